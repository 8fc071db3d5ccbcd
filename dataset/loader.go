package dataset

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// Dataset is a random-access sample source. Get may block on storage, so
// it takes a context.
type Dataset[T any] interface {
	Len() int
	Get(ctx context.Context, i int) (T, error)
}

// CollateFunc merges the samples of one batch.
type CollateFunc[T, B any] func([]T) (B, error)

type LoaderConfig struct {
	Workers  int // parallel collating workers; 0 means 1
	Prefetch int // batches buffered ahead of the consumer; 0 means Workers
}

// Loader streams collated batches in sampler order while reading and
// collating ahead of the consumer on a small worker pool.
type Loader[T, B any] struct {
	ds      Dataset[T]
	sampler *StructureSampler
	collate CollateFunc[T, B]
	cfg     LoaderConfig
}

func NewLoader[T, B any](ds Dataset[T], sampler *StructureSampler, collate CollateFunc[T, B], cfg LoaderConfig) *Loader[T, B] {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = cfg.Workers
	}
	return &Loader[T, B]{ds: ds, sampler: sampler, collate: collate, cfg: cfg}
}

// Load runs one pass over the sampler's batches, calling fn for each in
// sampler order. It stops on the first dataset, collation or fn error, or
// when ctx is done.
func (l *Loader[T, B]) Load(ctx context.Context, fn func(B) error) error {
	type job struct {
		idx []int
		out chan B
	}
	batches := l.sampler.Batches()
	slog.Debug("loader pass", "batches", len(batches), "workers", l.cfg.Workers)

	g, ctx := errgroup.WithContext(ctx)
	jobs := make(chan job)
	slots := make(chan chan B, l.cfg.Prefetch)

	g.Go(func() error {
		defer close(jobs)
		defer close(slots)
		for _, idx := range batches {
			j := job{idx: idx, out: make(chan B, 1)}
			select {
			case slots <- j.out:
			case <-ctx.Done():
				return ctx.Err()
			}
			select {
			case jobs <- j:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})
	for w := 0; w < l.cfg.Workers; w++ {
		g.Go(func() error {
			for j := range jobs {
				samples := make([]T, len(j.idx))
				for k, di := range j.idx {
					s, err := l.ds.Get(ctx, di)
					if err != nil {
						return fmt.Errorf("dataset: load sample %d: %w", di, err)
					}
					samples[k] = s
				}
				b, err := l.collate(samples)
				if err != nil {
					return err
				}
				j.out <- b
			}
			return nil
		})
	}
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case out, ok := <-slots:
				if !ok {
					return nil
				}
				select {
				case <-ctx.Done():
					return ctx.Err()
				case b := <-out:
					if err := fn(b); err != nil {
						return err
					}
				}
			}
		}
	})
	return g.Wait()
}
