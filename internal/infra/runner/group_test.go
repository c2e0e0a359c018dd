package runner

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestGroupReportsFirstFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var g Group
	g.Go(ctx, "idle", func(ctx context.Context) error { <-ctx.Done(); return nil })
	g.Go(ctx, "engine", func(ctx context.Context) error { return errors.New("snapshot retries exhausted") })

	select {
	case err := <-g.Failed():
		if !strings.HasPrefix(err.Error(), "engine: ") {
			t.Fatalf("unexpected error %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("failure not reported")
	}
	cancel()
	g.Wait()
}

func TestGroupCleanExit(t *testing.T) {
	var g Group
	g.Go(context.Background(), "noop", func(ctx context.Context) error { return nil })
	g.Wait()
	select {
	case err := <-g.Failed():
		t.Fatalf("unexpected failure %v", err)
	default:
	}
}
