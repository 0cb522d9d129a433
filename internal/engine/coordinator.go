package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/54b3r/corpusqa/internal/logging"
)

// ErrNotReady is returned while the index is still being built. Callers may
// retry.
var ErrNotReady = errors.New("engine: still initializing")

// ErrFailed is returned after setup has failed. The setup error is wrapped.
var ErrFailed = errors.New("engine: initialization failed")

// State is the readiness of a Coordinator.
type State int32

const (
	StateUninitialized State = iota
	StateReady
	StateFailed
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Answerer answers one question.
type Answerer interface {
	Answer(ctx context.Context, question string) (string, error)
}

// SetupFunc builds the Answerer. It runs once, in the background.
type SetupFunc func(ctx context.Context) (Answerer, error)

// Coordinator publishes an Answerer once it has been built and rejects
// questions until then.
type Coordinator struct {
	state    atomic.Int32
	answerer Answerer
	setupErr error
	once     sync.Once
	done     chan struct{}
}

// NewCoordinator returns a Coordinator in StateUninitialized.
func NewCoordinator() *Coordinator {
	return &Coordinator{done: make(chan struct{})}
}

// Start runs setup in a new goroutine. Only the first call has any effect.
func (c *Coordinator) Start(ctx context.Context, setup SetupFunc) {
	c.once.Do(func() {
		go c.run(ctx, setup)
	})
}

func (c *Coordinator) run(ctx context.Context, setup SetupFunc) {
	defer close(c.done)
	log := logging.FromContext(ctx)

	a, err := setup(ctx)
	if err == nil && a == nil {
		err = errors.New("setup returned no answerer")
	}
	if err != nil {
		c.setupErr = err
		c.state.Store(int32(StateFailed))
		log.Error("rag initialization failed", slog.Any("error", err))
		return
	}

	// answerer is written before the state store and read only after a
	// StateReady load, so the atomic orders the two.
	c.answerer = a
	c.state.Store(int32(StateReady))
	log.Info("rag system ready")
}

// State returns the current readiness state.
func (c *Coordinator) State() State {
	return State(c.state.Load())
}

// Ready reports whether questions are being answered.
func (c *Coordinator) Ready() bool {
	return c.State() == StateReady
}

// Err returns the setup error once setup has failed, and nil otherwise.
func (c *Coordinator) Err() error {
	if c.State() != StateFailed {
		return nil
	}
	return c.setupErr
}

// Wait blocks until setup has finished or ctx is done, and returns the
// resulting state.
func (c *Coordinator) Wait(ctx context.Context) State {
	select {
	case <-c.done:
	case <-ctx.Done():
	}
	return c.State()
}

// Answer forwards to the published Answerer, or returns ErrNotReady or
// ErrFailed.
func (c *Coordinator) Answer(ctx context.Context, question string) (string, error) {
	switch c.State() {
	case StateReady:
		return c.answerer.Answer(ctx, question)
	case StateFailed:
		return "", fmt.Errorf("%w: %w", ErrFailed, c.setupErr)
	default:
		return "", ErrNotReady
	}
}
