// Package clock provides the real time source behind ports.Clock.
package clock

import (
	"context"
	"time"
)

// Real is the wall-clock implementation of ports.Clock.
type Real struct{}

// New returns the wall-clock time source.
func New() *Real { return &Real{} }

func (Real) Now() time.Time { return time.Now() }

// Sleep blocks for d or until the context is cancelled.
func (Real) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
