package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Shutdown stage names, in the order the app registers them.
const (
	StageStopScanner        = "stop_scanner"
	StageDisconnectAdapters = "disconnect_adapters"
	StageDrainPool          = "drain_pool"
	StageClosePersistence   = "close_persistence"
)

type stage struct {
	name string
	fn   func(ctx context.Context) error
	done bool
}

// Lifecycle runs shutdown stages in registration order, each at most once.
// A failing stage is logged and does not stop the ones after it.
type Lifecycle struct {
	mu     sync.Mutex
	stages []*stage
	logger *slog.Logger
}

// NewLifecycle creates an empty coordinator.
func NewLifecycle(logger *slog.Logger) *Lifecycle {
	return &Lifecycle{logger: logger.With(slog.String("component", "lifecycle"))}
}

// Add appends a stage. Stages added after Shutdown has started still run on
// the next Shutdown call.
func (l *Lifecycle) Add(name string, fn func(ctx context.Context) error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stages = append(l.stages, &stage{name: name, fn: fn})
}

// Shutdown runs every stage that has not run yet and returns their joined
// errors. Concurrent callers are serialised; a stage never runs twice.
func (l *Lifecycle) Shutdown(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var errs []error
	for _, s := range l.stages {
		if s.done {
			continue
		}
		s.done = true
		start := time.Now()
		if err := runStage(ctx, s); err != nil {
			l.logger.ErrorContext(ctx, "shutdown stage failed",
				slog.String("stage", s.name),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
			continue
		}
		l.logger.InfoContext(ctx, "shutdown stage complete",
			slog.String("stage", s.name),
			slog.Duration("took", time.Since(start)),
		)
	}
	if len(errs) > 0 {
		return fmt.Errorf("app: shutdown: %w", errors.Join(errs...))
	}
	return nil
}

// Completed lists the stages that have run, in order.
func (l *Lifecycle) Completed() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var names []string
	for _, s := range l.stages {
		if s.done {
			names = append(names, s.name)
		}
	}
	return names
}

func runStage(ctx context.Context, s *stage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return s.fn(ctx)
}
