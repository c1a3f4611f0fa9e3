package readiness

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/Brownie44l1/classifier-api/internal/metrics"
)

type State int

const (
	NotReady State = iota
	Provisioning
	Loading
	Ready
	Failed
)

func (s State) String() string {
	switch s {
	case NotReady:
		return "not_ready"
	case Provisioning:
		return "provisioning"
	case Loading:
		return "loading"
	case Ready:
		return "ready"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Gate tracks startup and holds the service value once it is ready. States
// only move forward: NotReady, Provisioning, Loading, Ready. Any state before
// Ready may move to Failed.
type Gate[T any] struct {
	mu    sync.RWMutex
	state State
	value T
	err   error
	since time.Time
	done  chan struct{}
}

func New[T any]() *Gate[T] {
	metrics.SetReadiness(int(NotReady))
	return &Gate[T]{
		state: NotReady,
		since: time.Now(),
		done:  make(chan struct{}),
	}
}

func (g *Gate[T]) transition(from, to State) error {
	if g.state != from {
		return fmt.Errorf("readiness: cannot move to %s from %s", to, g.state)
	}
	log.WithFields(log.Fields{
		"from":       g.state,
		"to":         to,
		"elapsed_ms": time.Since(g.since).Milliseconds(),
	}).Info("readiness state changed")
	g.state = to
	g.since = time.Now()
	metrics.SetReadiness(int(to))
	return nil
}

func (g *Gate[T]) BeginProvisioning() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.transition(NotReady, Provisioning)
}

func (g *Gate[T]) BeginLoading() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.transition(Provisioning, Loading)
}

// MarkReady publishes v. It must not be mutated afterwards.
func (g *Gate[T]) MarkReady(v T) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.transition(Loading, Ready); err != nil {
		return err
	}
	g.value = v
	close(g.done)
	return nil
}

func (g *Gate[T]) Fail(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state == Ready || g.state == Failed {
		return
	}
	log.WithError(err).WithField("state", g.state).Error("startup failed")
	g.state = Failed
	g.err = err
	g.since = time.Now()
	metrics.SetReadiness(int(Failed))
	close(g.done)
}

func (g *Gate[T]) State() State {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.state
}

// Err returns the startup failure, if any.
func (g *Gate[T]) Err() error {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.err
}

// Get returns the published value and true only once the gate is Ready.
func (g *Gate[T]) Get() (T, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.state != Ready {
		var zero T
		return zero, false
	}
	return g.value, true
}

// Wait blocks until the gate is Ready or Failed, or ctx is done.
func (g *Gate[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-g.done:
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.state == Failed {
		var zero T
		return zero, g.err
	}
	return g.value, nil
}
