package app

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/marcus-ai/marcus/pkg/config"
	"github.com/marcus-ai/marcus/pkg/domain"
)

// loop adapts a blocking monitor function to the integration lifecycle.
// The function must return when its context is cancelled; Stop waits for
// that return, so callers cancel the run context before stopping.
type loop struct {
	name    string
	run     func(ctx context.Context)
	started atomic.Bool
	done    chan struct{}
}

func newLoop(name string, run func(ctx context.Context)) *loop {
	return &loop{name: name, run: run, done: make(chan struct{})}
}

func (l *loop) Name() string { return l.name }

func (l *loop) Init(*config.Config, domain.EventBus) error { return nil }

func (l *loop) Start(ctx context.Context) error {
	if !l.started.CompareAndSwap(false, true) {
		return fmt.Errorf("%s already started", l.name)
	}
	go func() {
		defer close(l.done)
		l.run(ctx)
	}()
	return nil
}

func (l *loop) Stop(ctx context.Context) error {
	if !l.started.Load() {
		return nil
	}
	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%s did not stop: %w", l.name, ctx.Err())
	}
}

func (l *loop) Health() error {
	if !l.started.Load() {
		return errors.New("not started")
	}
	select {
	case <-l.done:
		return errors.New("stopped")
	default:
		return nil
	}
}
