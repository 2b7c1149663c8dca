package app

import (
	"context"
	"sync"
)

// Gate hands out the App once initialization finishes. Transports may start
// serving before that; callers block in Wait until the App is ready, the
// initialization fails, or their context ends.
type Gate struct {
	done chan struct{}
	once sync.Once
	app  *App
	err  error
}

// NewGate returns a Gate that has not opened yet.
func NewGate() *Gate {
	return &Gate{done: make(chan struct{})}
}

// Start runs init in a goroutine and opens the gate with its result.
func (g *Gate) Start(ctx context.Context, init func(context.Context) (*App, error)) {
	go func() {
		g.Open(init(ctx))
	}()
}

// Open releases all waiters with a and err. Only the first call has effect.
func (g *Gate) Open(a *App, err error) {
	g.once.Do(func() {
		g.app, g.err = a, err
		close(g.done)
	})
}

// Wait blocks until the gate opens or ctx ends.
func (g *Gate) Wait(ctx context.Context) (*App, error) {
	select {
	case <-g.done:
		return g.app, g.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Done is closed when the gate opens.
func (g *Gate) Done() <-chan struct{} { return g.done }

// Ready reports whether initialization finished successfully.
func (g *Gate) Ready() bool {
	select {
	case <-g.done:
		return g.err == nil
	default:
		return false
	}
}

// Err returns the initialization error once the gate has opened.
func (g *Gate) Err() error {
	select {
	case <-g.done:
		return g.err
	default:
		return nil
	}
}
