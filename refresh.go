package tether

import (
	"context"
	"time"

	"github.com/zoobzio/pipz"
)

// Refresh reasons used by the package.
const (
	ReasonStart      = "start"
	ReasonManual     = "manual"
	ReasonChange     = "change"
	ReasonPeriodic   = "periodic"
	ReasonForeground = "foreground"
)

const refreshName = "refresh"

// RefreshRequest is carried through the refresh pipeline.
type RefreshRequest struct {
	Topic  string
	Reason string
	At     time.Time
}

// newRefreshPipeline wraps the refresher in a pipz pipeline: the timeout
// when one is configured, then opts.
func newRefreshPipeline(get func() Refresher, timeout time.Duration, opts ...RefreshOption) pipz.Chainable[*RefreshRequest] {
	terminal := pipz.Effect(refreshName, func(ctx context.Context, _ *RefreshRequest) error {
		r := get()
		if r == nil {
			return ErrMissingCollaborator
		}
		return r.Refresh(ctx)
	})
	var pipeline pipz.Chainable[*RefreshRequest] = terminal
	if timeout > 0 {
		pipeline = pipz.NewTimeout("refresh-timeout", terminal, timeout)
	}
	return buildRefreshPipeline(pipeline, opts)
}
