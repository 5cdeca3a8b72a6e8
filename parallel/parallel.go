// Package parallel provides the optional fan-out primitive used by
// workflows. The sequential mapper is the default; the concurrent one is
// opted into where item work is independent.
package parallel

import (
	"context"
	"errors"
	"sync"
)

// Mapper applies fn to every index in [0, n). Implementations stop early
// when the context is cancelled and return the first error observed.
type Mapper interface {
	Map(ctx context.Context, n int, fn func(ctx context.Context, i int) error) error
}

// Sequential applies fn one item at a time.
type Sequential struct{}

// Map implements Mapper.
func (Sequential) Map(ctx context.Context, n int, fn func(ctx context.Context, i int) error) error {
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(ctx, i); err != nil {
			return err
		}
	}
	return nil
}

// Concurrent applies fn with bounded worker concurrency.
type Concurrent struct {
	Workers int
}

// Map implements Mapper.
func (c Concurrent) Map(ctx context.Context, n int, fn func(ctx context.Context, i int) error) error {
	workers := c.Workers
	if workers <= 1 {
		return Sequential{}.Map(ctx, n, fn)
	}
	if workers > n {
		workers = n
	}

	indexes := make(chan int)
	errs := make(chan error, workers)
	var wg sync.WaitGroup

	workerCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range indexes {
				if workerCtx.Err() != nil {
					return
				}
				if err := fn(workerCtx, i); err != nil {
					errs <- err
					cancel()
					return
				}
			}
		}()
	}

	for i := 0; i < n; i++ {
		select {
		case indexes <- i:
		case <-workerCtx.Done():
			i = n
		}
	}
	close(indexes)
	wg.Wait()
	close(errs)

	var first error
	for err := range errs {
		if first == nil && !errors.Is(err, context.Canceled) {
			first = err
		}
	}
	if first != nil {
		return first
	}
	return ctx.Err()
}

// Chunks splits n items into batches of at most size, returning the
// [start, end) bounds of each batch. Anomaly scans map over chunks of
// roughly one hundred items; classification maps per item.
func Chunks(n, size int) [][2]int {
	if size <= 0 {
		size = 100
	}
	out := make([][2]int, 0, n/size+1)
	for start := 0; start < n; start += size {
		end := start + size
		if end > n {
			end = n
		}
		out = append(out, [2]int{start, end})
	}
	return out
}
