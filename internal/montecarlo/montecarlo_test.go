package montecarlo

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"testing"

	"options-analytics/internal/pricer"
)

const (
	s0    = 100.0
	k     = 100.0
	tt    = 1.0
	r     = 0.05
	sigma = 0.2
)

func TestSimulateAsianOption_Reproducible(t *testing.T) {
	a := SimulateAsianOption(NewSource(7), s0, k, tt, r, sigma, 2000, 12, true)
	b := SimulateAsianOption(NewSource(7), s0, k, tt, r, sigma, 2000, 12, true)
	if a != b {
		t.Errorf("same seed gave %v and %v", a, b)
	}
	c := SimulateAsianOption(NewSource(8), s0, k, tt, r, sigma, 2000, 12, true)
	if a == c {
		t.Errorf("different seeds gave identical estimates %v", a)
	}
}

// With one averaging step the Asian payoff is the European payoff, so the
// estimate must approach the closed form at rate 1/sqrt(paths).
func TestSimulateAsianOption_ConvergesToBlackScholes(t *testing.T) {
	bs := pricer.Price(s0, k, tt, r, sigma)

	for _, n := range []int{10_000, 100_000, 1_000_000} {
		est, err := Simulator{Workers: 1, Seed: 2024}.Run(context.Background(), AsianParams{
			Spot: s0, Strike: k, Expiry: tt, Rate: r, Vol: sigma, Paths: n, Steps: 1, IsCall: true,
		})
		if err != nil {
			t.Fatal(err)
		}
		// the sampling std dev of the discounted call payoff is about 14.7
		bound := 5 * 14.7 / math.Sqrt(float64(n))
		if diff := math.Abs(est.Price - bs.CallPrice); diff > bound {
			t.Errorf("paths=%d: |%.5f - %.5f| = %.5f > %.5f", n, est.Price, bs.CallPrice, diff, bound)
		}
		if est.StdError <= 0 || est.StdError > bound {
			t.Errorf("paths=%d: std error %.5f out of range", n, est.StdError)
		}
		if est.Lower > est.Price || est.Upper < est.Price {
			t.Errorf("paths=%d: interval [%v, %v] excludes %v", n, est.Lower, est.Upper, est.Price)
		}
	}

	put := SimulateAsianOption(NewSource(99), s0, k, tt, r, sigma, 200_000, 1, false)
	if diff := math.Abs(put - bs.PutPrice); diff > 5*8.8/math.Sqrt(200_000) {
		t.Errorf("put: got %.5f, closed form %.5f", put, bs.PutPrice)
	}
}

// C - P = e^(-rT)(mean(avg) - K) holds path by path, so with a shared seed the
// difference only carries the sampling error of the average itself.
func TestSimulateAsianOption_AverageParity(t *testing.T) {
	const paths, steps = 200_000, 12
	call := SimulateAsianOption(NewSource(3), s0, k, tt, r, sigma, paths, steps, true)
	put := SimulateAsianOption(NewSource(3), s0, k, tt, r, sigma, paths, steps, false)

	dt := tt / steps
	var expAvg float64
	for i := 1; i <= steps; i++ {
		expAvg += s0 * math.Exp(r*dt*float64(i))
	}
	expAvg /= steps

	want := math.Exp(-r*tt) * (expAvg - k)
	if diff := math.Abs((call - put) - want); diff > 0.15 {
		t.Errorf("C-P = %.5f, want %.5f (diff %.5f)", call-put, want, diff)
	}

	// averaging dampens volatility: the Asian call is cheaper than the European
	if european := pricer.Price(s0, k, tt, r, sigma).CallPrice; call >= european || call <= 0 {
		t.Errorf("asian call %.4f not in (0, %.4f)", call, european)
	}
}

func TestSimulateAsianOption_ZeroPathsIsNaN(t *testing.T) {
	if v := SimulateAsianOption(NewSource(1), s0, k, tt, r, sigma, 0, 10, true); !math.IsNaN(v) {
		t.Errorf("got %v, want NaN", v)
	}
}

func TestSimulator_SingleWorkerMatchesSequential(t *testing.T) {
	p := AsianParams{Spot: s0, Strike: 95, Expiry: 0.5, Rate: r, Vol: 0.3, Paths: 10_001, Steps: 20, IsCall: false}
	est, err := Simulator{Workers: 1, Seed: 11, BatchSize: 333}.Run(context.Background(), p)
	if err != nil {
		t.Fatal(err)
	}
	seq := SimulateAsianOption(NewSource(11), p.Spot, p.Strike, p.Expiry, p.Rate, p.Vol, p.Paths, p.Steps, p.IsCall)
	if est.Price != seq {
		t.Errorf("simulator %v != sequential %v", est.Price, seq)
	}
	if est.Paths != p.Paths {
		t.Errorf("paths: got %d, want %d", est.Paths, p.Paths)
	}
}

func TestSimulator_Deterministic(t *testing.T) {
	p := AsianParams{Spot: s0, Strike: k, Expiry: tt, Rate: r, Vol: sigma, Paths: 50_000, Steps: 12, IsCall: true}
	sim := Simulator{Workers: 4, Seed: 5}

	a, err := sim.Run(context.Background(), p)
	if err != nil {
		t.Fatal(err)
	}
	b, err := sim.Run(context.Background(), p)
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Errorf("runs differ: %+v vs %+v", a, b)
	}

	// a different worker split is a different sample of the same estimator
	c, err := Simulator{Workers: 3, Seed: 5}.Run(context.Background(), p)
	if err != nil {
		t.Fatal(err)
	}
	if diff := math.Abs(a.Price - c.Price); diff > 5*math.Hypot(a.StdError, c.StdError) {
		t.Errorf("worker splits disagree: %.5f vs %.5f", a.Price, c.Price)
	}
}

func TestSimulator_MoreWorkersThanPaths(t *testing.T) {
	p := AsianParams{Spot: s0, Strike: k, Expiry: tt, Rate: r, Vol: sigma, Paths: 3, Steps: 4, IsCall: true}
	est, err := Simulator{Workers: 16, Seed: 1}.Run(context.Background(), p)
	if err != nil {
		t.Fatal(err)
	}
	if est.Paths != 3 || math.IsNaN(est.Price) {
		t.Errorf("unexpected estimate %+v", est)
	}
}

func TestSimulator_EmptyGrid(t *testing.T) {
	for _, p := range []AsianParams{
		{Spot: s0, Strike: k, Expiry: tt, Vol: sigma, Paths: 0, Steps: 10},
		{Spot: s0, Strike: k, Expiry: tt, Vol: sigma, Paths: 10, Steps: 0},
	} {
		if _, err := (Simulator{}).Run(context.Background(), p); !errors.Is(err, ErrEmptyGrid) {
			t.Errorf("paths=%d steps=%d: got %v, want ErrEmptyGrid", p.Paths, p.Steps, err)
		}
	}
}

func TestSimulator_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := AsianParams{Spot: s0, Strike: k, Expiry: tt, Rate: r, Vol: sigma, Paths: 100_000, Steps: 50, IsCall: true}
	if _, err := (Simulator{Workers: 2}).Run(ctx, p); !errors.Is(err, context.Canceled) {
		t.Errorf("got %v, want context.Canceled", err)
	}
}

func TestNormalSources_Moments(t *testing.T) {
	const n = 400_000
	sources := map[string]NormalSource{
		"pcg":        NewSource(123),
		"box-muller": NewBoxMuller(rand.New(rand.NewPCG(123, 456))),
	}
	for name, src := range sources {
		var sum, sumSq float64
		for i := 0; i < n; i++ {
			z := src.NormFloat64()
			sum += z
			sumSq += z * z
		}
		mean := sum / n
		variance := sumSq/n - mean*mean
		if math.Abs(mean) > 5/math.Sqrt(n) {
			t.Errorf("%s: mean %.5f", name, mean)
		}
		// var of the sample variance is 2/n for normals
		if math.Abs(variance-1) > 5*math.Sqrt(2.0/n) {
			t.Errorf("%s: variance %.5f", name, variance)
		}
	}
}

func TestBoxMuller_DrivesSimulation(t *testing.T) {
	src := NewBoxMuller(rand.New(rand.NewPCG(9, 10)))
	got := SimulateAsianOption(src, s0, k, tt, r, sigma, 200_000, 1, true)
	want := pricer.Price(s0, k, tt, r, sigma).CallPrice
	if math.Abs(got-want) > 5*14.7/math.Sqrt(200_000) {
		t.Errorf("got %.5f, want %.5f", got, want)
	}
}
