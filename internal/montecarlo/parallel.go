package montecarlo

import (
	"context"
	"errors"
	"math"
	"runtime"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/stat/distuv"
)

const defaultBatchSize = 4096

// ErrEmptyGrid is returned by Simulator.Run when paths or steps is not positive.
var ErrEmptyGrid = errors.New("montecarlo: num_paths and num_steps must be positive")

// Estimate is a Monte Carlo price with its sampling error.
type Estimate struct {
	Price    float64 `json:"price"`
	StdError float64 `json:"std_error"`
	Lower    float64 `json:"ci_low"`  // 95% confidence bound
	Upper    float64 `json:"ci_high"` // 95% confidence bound
	Paths    int     `json:"num_paths"`
}

// Simulator spreads paths over worker goroutines. Worker w draws from stream
// w of Seed, so a given (Seed, Workers) pair always reproduces the same
// estimate. With Workers == 1 the price equals SimulateAsianOption fed by
// NewSource(Seed).
type Simulator struct {
	Workers   int    // <= 0 means GOMAXPROCS
	Seed      uint64 // base seed for the per-worker streams
	BatchSize int    // paths between cancellation checks; <= 0 means 4096
}

type partial struct {
	sum, sumSq float64
}

// Run prices p. It stops early with ctx.Err() if ctx is cancelled.
func (s Simulator) Run(ctx context.Context, p AsianParams) (Estimate, error) {
	if p.Paths <= 0 || p.Steps <= 0 {
		return Estimate{}, ErrEmptyGrid
	}

	workers := s.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if workers > p.Paths {
		workers = p.Paths
	}
	batch := s.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}

	g := newGrid(p)
	parts := make([]partial, workers)

	eg, ctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		n := p.Paths / workers
		if w < p.Paths%workers {
			n++
		}
		eg.Go(func() error {
			src := streamSource(s.Seed, uint64(w))
			acc := &parts[w]
			for done := 0; done < n; {
				if err := ctx.Err(); err != nil {
					return err
				}
				end := min(done+batch, n)
				for ; done < end; done++ {
					v := g.path(src)
					acc.sum += v
					acc.sumSq += v * v
				}
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return Estimate{}, err
	}

	var total partial
	for _, pt := range parts {
		total.sum += pt.sum
		total.sumSq += pt.sumSq
	}
	return summarize(total, p.Paths, math.Exp(-p.Rate*p.Expiry)), nil
}

// z975 is the two-sided 95% normal quantile.
var z975 = distuv.UnitNormal.Quantile(0.975)

func summarize(t partial, n int, disc float64) Estimate {
	nf := float64(n)
	mean := t.sum / nf

	var se float64
	if n > 1 {
		variance := (t.sumSq - nf*mean*mean) / (nf - 1)
		if variance < 0 {
			variance = 0
		}
		se = disc * math.Sqrt(variance/nf)
	}

	price := disc * mean
	return Estimate{
		Price:    price,
		StdError: se,
		Lower:    price - z975*se,
		Upper:    price + z975*se,
		Paths:    n,
	}
}
