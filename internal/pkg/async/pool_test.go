package async_test

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"funnelsync/internal/pkg/async"
)

func TestPoolExecute(t *testing.T) {
	pool := async.NewPool[int](3)

	var running, peak atomic.Int32
	tasks := make([]async.Task[int], 10)
	for i := range tasks {
		tasks[i] = async.Task[int]{
			Name: fmt.Sprintf("task-%d", i),
			Execute: func(ctx context.Context) (int, error) {
				n := running.Add(1)
				defer running.Add(-1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				if i == 4 {
					return 0, errors.New("boom")
				}
				return i * i, nil
			},
		}
	}

	results := pool.Execute(context.Background(), tasks)
	require.Len(t, results, 10)
	assert.Equal(t, 81, results["task-9"].Data)
	assert.EqualError(t, results["task-4"].Err, "boom")
	assert.LessOrEqual(t, peak.Load(), int32(3))

	// The pool can run another batch.
	again := pool.Execute(context.Background(), tasks[:2])
	assert.Len(t, again, 2)
	assert.Empty(t, pool.Execute(context.Background(), nil))
}

func TestPoolExecuteCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results := async.NewPool[int](2).Execute(ctx, []async.Task[int]{
		{Name: "a", Execute: func(ctx context.Context) (int, error) { return 1, nil }},
	})
	assert.LessOrEqual(t, len(results), 1)
}
