package orchestrator

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gateway-fm/votebot/internal/retry"
)

// RunWindows runs fn for indices [0, n) in consecutive windows of at most
// size concurrent calls. Each window settles completely before the next one
// starts, separated by delay. A failing call never cancels its siblings.
// When ctx is done no further windows start. It returns the number of
// windows run; onWindow, if set, is called after each with (k, total).
func RunWindows(ctx context.Context, n, size int, delay time.Duration, fn func(ctx context.Context, i int), onWindow func(k, total int)) int {
	if n <= 0 {
		return 0
	}
	if size <= 0 || size > n {
		size = n
	}
	total := (n + size - 1) / size

	ran := 0
	for k := 0; k < total; k++ {
		if ctx.Err() != nil {
			break
		}
		if k > 0 && delay > 0 {
			if err := retry.Sleep(ctx, delay); err != nil {
				break
			}
		}

		var g errgroup.Group
		g.SetLimit(size)
		for i := k * size; i < min(n, (k+1)*size); i++ {
			g.Go(func() error {
				fn(ctx, i)
				return nil
			})
		}
		_ = g.Wait()

		ran++
		if onWindow != nil {
			onWindow(k+1, total)
		}
	}
	return ran
}
