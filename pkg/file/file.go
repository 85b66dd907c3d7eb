// Package file provides a tether.Transport backed by a watched file.
//
// Useful for local development and fixtures: a process that exports rows
// rewrites the file, and every write becomes a change notification.
package file

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/zoobzio/tether"
)

// Transport watches a single file. The token is ignored.
type Transport struct {
	path  string
	codec tether.Codec
}

// Option configures a Transport.
type Option func(*Transport)

// WithCodec sets the codec used to decode file contents as a change.
// Defaults to JSON.
func WithCodec(c tether.Codec) Option {
	return func(t *Transport) {
		t.codec = c
	}
}

// New creates a Transport for the given file path.
func New(path string, opts ...Option) *Transport {
	t := &Transport{path: path, codec: tether.JSONCodec{}}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Open starts watching the file and reports StatusSubscribed. Contents
// that decode as a change are delivered as-is; anything else is delivered
// as an UPDATE on the subscribed table.
func (t *Transport) Open(ctx context.Context, _ string, sub tether.Subscription, h tether.Handlers) (tether.Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if err := watcher.Add(t.path); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch file %s: %w", t.path, err)
	}

	c := &channel{
		path:    t.path,
		codec:   t.codec,
		sub:     sub,
		h:       h,
		watcher: watcher,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	h.Status(tether.StatusSubscribed, nil)
	go c.watch()
	return c, nil
}

type channel struct {
	path    string
	codec   tether.Codec
	sub     tether.Subscription
	h       tether.Handlers
	watcher *fsnotify.Watcher
	stop    chan struct{}
	done    chan struct{}

	closeOnce sync.Once
	closeErr  error
}

func (c *channel) watch() {
	defer close(c.done)

	for {
		select {
		case <-c.stop:
			c.h.Status(tether.StatusClosed, nil)
			return

		case event, ok := <-c.watcher.Events:
			if !ok {
				c.h.Status(tether.StatusClosed, nil)
				return
			}

			if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				c.h.Status(tether.StatusClosed, fmt.Errorf("file %s removed", c.path))
				return
			}

			// Only emit on write or create events
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			data, err := os.ReadFile(c.path)
			if err != nil {
				continue
			}
			change := c.decode(data)
			if !c.sub.Matches(change) {
				continue
			}
			c.h.Event(change)

		case err, ok := <-c.watcher.Errors:
			if !ok {
				c.h.Status(tether.StatusClosed, nil)
				return
			}
			c.h.Status(tether.StatusChannelError, err)
			return
		}
	}
}

func (c *channel) decode(data []byte) tether.Change {
	change, err := tether.DecodeChange(c.codec, data)
	if err == nil && change.Kind != "" {
		return change
	}
	return tether.Change{
		Schema:          c.sub.Schema,
		Table:           c.sub.Table,
		Kind:            tether.ChangeUpdate,
		CommitTimestamp: time.Now(),
	}
}

// Close stops the watcher. The watch loop reports StatusClosed unless the
// channel already ended.
func (c *channel) Close() error {
	c.closeOnce.Do(func() {
		close(c.stop)
		c.closeErr = c.watcher.Close()
	})
	return c.closeErr
}
