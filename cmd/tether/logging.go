package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/zoobzio/capitan"
	"github.com/zoobzio/tether"
)

type hookedSignal struct {
	signal capitan.Signal
	level  slog.Level
	msg    string
}

var loggedSignals = []hookedSignal{
	{tether.ManagerStarted, slog.LevelInfo, "manager started"},
	{tether.ManagerStopped, slog.LevelInfo, "manager stopped"},
	{tether.StateChanged, slog.LevelInfo, "state changed"},
	{tether.ConnectAttempted, slog.LevelDebug, "connect attempted"},
	{tether.ConnectSkipped, slog.LevelDebug, "connect skipped"},
	{tether.ConnectSuperseded, slog.LevelDebug, "connect superseded"},
	{tether.TokenUnavailable, slog.LevelError, "token unavailable"},
	{tether.ChannelOpened, slog.LevelDebug, "channel opened"},
	{tether.ChannelFailed, slog.LevelWarn, "channel failed"},
	{tether.RetryScheduled, slog.LevelInfo, "retry scheduled"},
	{tether.StatusStale, slog.LevelDebug, "stale status ignored"},
	{tether.CloseExpected, slog.LevelDebug, "expected close"},
	{tether.CoalescerFlushed, slog.LevelDebug, "changes flushed"},
	{tether.RefreshSucceeded, slog.LevelInfo, "refresh succeeded"},
	{tether.RefreshFailed, slog.LevelWarn, "refresh failed"},
	{tether.BridgeTick, slog.LevelDebug, "bridge tick"},
}

// hookLogger routes manager signals to logger.
func hookLogger(logger *slog.Logger) {
	for _, s := range loggedSignals {
		capitan.Hook(s.signal, func(ctx context.Context, e *capitan.Event) {
			logger.Log(ctx, s.level, s.msg, eventAttrs(e)...)
		})
	}
}

func eventAttrs(e *capitan.Event) []any {
	var attrs []any
	str := func(name string) func(string, bool) {
		return func(v string, ok bool) {
			if ok && v != "" {
				attrs = append(attrs, name, v)
			}
		}
	}
	num := func(name string) func(int, bool) {
		return func(v int, ok bool) {
			if ok {
				attrs = append(attrs, name, v)
			}
		}
	}
	dur := func(name string) func(time.Duration, bool) {
		return func(v time.Duration, ok bool) {
			if ok {
				attrs = append(attrs, name, v)
			}
		}
	}

	str("topic")(tether.KeyTopic.From(e))
	str("handle")(tether.KeyHandle.From(e))
	str("reason")(tether.KeyReason.From(e))
	str("from")(tether.KeyOldState.From(e))
	str("to")(tether.KeyNewState.From(e))
	str("state")(tether.KeyState.From(e))
	str("status")(tether.KeyStatus.From(e))
	num("attempt")(tether.KeyAttempt.From(e))
	dur("delay")(tether.KeyDelay.From(e))
	dur("duration")(tether.KeyDuration.From(e))
	str("error")(tether.KeyError.From(e))
	return attrs
}
