package runner

import (
	"context"
	"fmt"
	"sync"
)

// Group runs named workers and reports the first one that fails.
type Group struct {
	wg   sync.WaitGroup
	once sync.Once
	errs chan error
}

func (g *Group) init() { g.once.Do(func() { g.errs = make(chan error, 1) }) }

// Go starts fn. A nil return is a clean exit; the first error is delivered on Failed.
func (g *Group) Go(ctx context.Context, name string, fn func(ctx context.Context) error) {
	g.init()
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		if err := fn(ctx); err != nil {
			select {
			case g.errs <- fmt.Errorf("%s: %w", name, err):
			default:
			}
		}
	}()
}

func (g *Group) Failed() <-chan error {
	g.init()
	return g.errs
}

func (g *Group) Wait() { g.wg.Wait() }
