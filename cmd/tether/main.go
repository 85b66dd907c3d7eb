// Command tether holds a realtime change-feed subscription open and logs
// every refresh it would trigger.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
