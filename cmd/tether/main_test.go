package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/zoobzio/tether"
	"github.com/zoobzio/tether/pkg/file"
	"github.com/zoobzio/tether/pkg/phoenix"
)

func TestConfigCmd_Defaults(t *testing.T) {
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"config"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("config failed: %v", err)
	}
	for _, want := range []string{"quiet_window: 300ms", "min_delay: 850ms", "heartbeat: 30s"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("expected %q in output:\n%s", want, out.String())
		}
	}
}

func TestConfigCmd_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tether.yaml")
	if err := os.WriteFile(path, []byte("quiet_window: 750ms\nsubscription:\n  topic: realtime:reports\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"config", "-c", path})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("config failed: %v", err)
	}
	if !strings.Contains(out.String(), "quiet_window: 750ms") {
		t.Errorf("expected file value in output:\n%s", out.String())
	}
	if !strings.Contains(out.String(), "realtime:reports") {
		t.Errorf("expected topic in output:\n%s", out.String())
	}
}

func TestConfigCmd_InvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tether.yaml")
	if err := os.WriteFile(path, []byte("jitter: 3\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"config", "-c", path})
	if err := cmd.Execute(); err == nil {
		t.Error("expected validation error")
	}
}

func TestWatchCmd_RequiresEndpoint(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"watch", "--topic", "realtime:listings"})
	if err := cmd.Execute(); err == nil {
		t.Error("expected missing endpoint error")
	}
}

func TestWatchCmd_RequiresTopic(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"watch", "--endpoint", "ws://localhost:1"})
	if err := cmd.Execute(); err == nil {
		t.Error("expected invalid subscription error")
	}
}

func TestWatchOptions_Override(t *testing.T) {
	sub := tether.Subscription{Topic: "realtime:file", Table: "reports"}
	opts := &watchOptions{topic: "realtime:flag", event: "INSERT"}
	opts.override(&sub)

	if sub.Topic != "realtime:flag" {
		t.Errorf("expected flag topic, got %q", sub.Topic)
	}
	if sub.Table != "reports" {
		t.Errorf("expected file table kept, got %q", sub.Table)
	}
	if sub.Event != tether.ChangeInsert {
		t.Errorf("expected INSERT, got %q", sub.Event)
	}
}

func TestWatchOptions_BuildTransport(t *testing.T) {
	cases := map[string]string{
		"phoenix":  "ws://localhost:4000/socket",
		"postgres": "postgres://app@localhost:5432/app",
		"redis":    "localhost:6379",
		"nats":     "nats://localhost:4222",
		"file":     "/tmp/listings.json",
	}
	for kind, endpoint := range cases {
		tr, err := (&watchOptions{transport: kind, endpoint: endpoint}).buildTransport()
		if err != nil {
			t.Errorf("%s: unexpected error %v", kind, err)
			continue
		}
		if tr == nil {
			t.Errorf("%s: expected transport", kind)
		}
	}

	if tr, _ := (&watchOptions{transport: "phoenix", endpoint: "ws://x", apiKey: "k"}).buildTransport(); tr == nil {
		t.Error("expected phoenix transport")
	} else if _, ok := tr.(*phoenix.Transport); !ok {
		t.Errorf("expected *phoenix.Transport, got %T", tr)
	}
	if tr, _ := (&watchOptions{transport: "file", endpoint: "x"}).buildTransport(); tr != nil {
		if _, ok := tr.(*file.Transport); !ok {
			t.Errorf("expected *file.Transport, got %T", tr)
		}
	}
	if _, err := (&watchOptions{transport: "carrier-pigeon"}).buildTransport(); err == nil {
		t.Error("expected unknown transport error")
	}
}

func TestRootOptions_Logger(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetErr(&bytes.Buffer{})
	for _, o := range []rootOptions{{logLevel: "debug", logFormat: "json"}, {logLevel: "warn", logFormat: "text"}} {
		if _, err := o.logger(cmd); err != nil {
			t.Errorf("%+v: unexpected error %v", o, err)
		}
	}
	if _, err := (&rootOptions{logLevel: "loud"}).logger(cmd); err == nil {
		t.Error("expected invalid level error")
	}
	if _, err := (&rootOptions{logLevel: "info", logFormat: "xml"}).logger(cmd); err == nil {
		t.Error("expected invalid format error")
	}
}
