// cmd/optcalc runs one-off engine calculations from the command line and
// prints a fixed-point report (or JSON with -json).
//
// Usage:
//
//	optcalc price -spot=100 -strike=100 -t=1 -r=0.05 -vol=0.2
//	optcalc iv -spot=100 -strike=100 -t=1 -r=0.05 -price=10.45 -put
//	optcalc asian -spot=100 -strike=100 -t=1 -r=0.05 -vol=0.2 -paths=100000 -steps=12 -seed=42
//	optcalc portfolio -file=book.json
//	optcalc payoff -kind=butterfly -strikes=90,100,110 -min=80 -max=120 -points=9
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"options-analytics/internal/montecarlo"
	"options-analytics/internal/payoff"
	"options-analytics/internal/portfolio"
	"options-analytics/internal/pricer"
	"options-analytics/internal/volatility"

	"github.com/shopspring/decimal"
)

const places = 6

func main() {
	if len(os.Args) < 2 {
		usage(os.Stderr)
		os.Exit(2)
	}
	if err := run(os.Args[1], os.Args[2:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "optcalc: %v\n", err)
		os.Exit(1)
	}
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "usage: optcalc <price|iv|asian|portfolio|payoff> [flags]")
}

func run(cmd string, args []string, out io.Writer) error {
	switch cmd {
	case "price":
		return runPrice(args, out)
	case "iv":
		return runIV(args, out)
	case "asian":
		return runAsian(args, out)
	case "portfolio":
		return runPortfolio(args, out)
	case "payoff":
		return runPayoff(args, out)
	case "help", "-h", "--help":
		usage(out)
		return nil
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

type market struct {
	spot, strike, expiry, rate *float64
}

func marketFlags(fs *flag.FlagSet) market {
	return market{
		spot:   fs.Float64("spot", 100, "underlying price"),
		strike: fs.Float64("strike", 100, "strike price"),
		expiry: fs.Float64("t", 1, "time to expiry in years"),
		rate:   fs.Float64("r", 0.05, "continuously compounded risk-free rate"),
	}
}

func runPrice(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("price", flag.ContinueOnError)
	m := marketFlags(fs)
	vol := fs.Float64("vol", 0.2, "volatility")
	asJSON := fs.Bool("json", false, "print JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	res := pricer.Price(*m.spot, *m.strike, *m.expiry, *m.rate, *vol)
	if *asJSON {
		return printJSON(out, res)
	}
	return report(out, [][2]string{
		{"call_price", fixed(res.CallPrice)},
		{"put_price", fixed(res.PutPrice)},
		{"delta", fixed(res.Delta)},
		{"gamma", fixed(res.Gamma)},
		{"theta", fixed(res.Theta)},
		{"vega", fixed(res.Vega)},
		{"rho", fixed(res.Rho)},
		{"put_delta", fixed(pricer.PutDelta(res))},
		{"put_theta", fixed(pricer.PutTheta(res, *m.strike, *m.expiry, *m.rate))},
	})
}

func runIV(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("iv", flag.ContinueOnError)
	m := marketFlags(fs)
	price := fs.Float64("price", 0, "observed option price")
	put := fs.Bool("put", false, "price is a put premium")
	asJSON := fs.Bool("json", false, "print JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	res := volatility.Solve(*m.spot, *m.strike, *m.expiry, *m.rate, *price, !*put)
	if *asJSON {
		return printJSON(out, res)
	}
	return report(out, [][2]string{
		{"implied_volatility", fixed(res.Sigma)},
		{"iterations", strconv.Itoa(res.Iterations)},
		{"status", res.Status.String()},
	})
}

func runAsian(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("asian", flag.ContinueOnError)
	m := marketFlags(fs)
	vol := fs.Float64("vol", 0.2, "volatility")
	paths := fs.Int("paths", 100_000, "number of simulated paths")
	steps := fs.Int("steps", 12, "averaging points per path")
	put := fs.Bool("put", false, "price a put")
	seed := fs.Uint64("seed", 0, "random seed (0 = time based)")
	workers := fs.Int("workers", 0, "worker goroutines (0 = GOMAXPROCS)")
	asJSON := fs.Bool("json", false, "print JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *seed == 0 {
		*seed = uint64(time.Now().UnixNano())
	}

	sim := montecarlo.Simulator{Workers: *workers, Seed: *seed}
	est, err := sim.Run(context.Background(), montecarlo.AsianParams{
		Spot: *m.spot, Strike: *m.strike, Expiry: *m.expiry, Rate: *m.rate, Vol: *vol,
		Paths: *paths, Steps: *steps, IsCall: !*put,
	})
	if err != nil {
		return err
	}
	if *asJSON {
		return printJSON(out, est)
	}
	return report(out, [][2]string{
		{"price", fixed(est.Price)},
		{"std_error", fixed(est.StdError)},
		{"ci_95", "[" + fixed(est.Lower) + ", " + fixed(est.Upper) + "]"},
		{"num_paths", strconv.Itoa(est.Paths)},
		{"seed", strconv.FormatUint(*seed, 10)},
	})
}

// book is the portfolio input file.
type book struct {
	SpotPrice float64              `json:"spot_price"`
	Rate      float64              `json:"risk_free_rate"`
	Positions []portfolio.Position `json:"positions"`
}

func runPortfolio(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("portfolio", flag.ContinueOnError)
	file := fs.String("file", "", "JSON file with spot_price, risk_free_rate and positions (- for stdin)")
	asJSON := fs.Bool("json", false, "print JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var r io.Reader = os.Stdin
	if *file != "" && *file != "-" {
		f, err := os.Open(*file)
		if err != nil {
			return err
		}
		defer f.Close()
		r = f
	}
	var b book
	if err := json.NewDecoder(r).Decode(&b); err != nil {
		return fmt.Errorf("decode book: %w", err)
	}

	detail, totals := portfolio.AnalyzePositions(b.SpotPrice, b.Rate, b.Positions)
	if *asJSON {
		return printJSON(out, totals)
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "qty\tstrike\texpiry\ttype\tiv\tdelta\tgamma\ttheta\tvega\trho\tvalue\t")
	for _, pg := range detail {
		typ := "put"
		if pg.IsCall {
			typ = "call"
		}
		g := pg.Greeks
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t\n",
			fixedN(pg.Quantity, 2), fixedN(pg.Strike, 2), fixedN(pg.Expiry, 4), typ, fixedN(pg.ImpliedVol, 4),
			fixed(g.TotalDelta), fixed(g.TotalGamma), fixed(g.TotalTheta), fixed(g.TotalVega), fixed(g.TotalRho),
			money(pg.Quantity, pg.MarketPrice))
	}
	fmt.Fprintf(tw, "total\t\t\t\t\t%s\t%s\t%s\t%s\t%s\t%s\t\n",
		fixed(totals.TotalDelta), fixed(totals.TotalGamma), fixed(totals.TotalTheta),
		fixed(totals.TotalVega), fixed(totals.TotalRho), bookValue(b.Positions))
	return tw.Flush()
}

func runPayoff(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("payoff", flag.ContinueOnError)
	kind := fs.String("kind", "call", "call, put, bull_spread or butterfly")
	strikes := fs.String("strikes", "100", "comma-separated strikes")
	lo := fs.Float64("min", 50, "lowest underlying price")
	hi := fs.Float64("max", 150, "highest underlying price")
	points := fs.Int("points", 11, "number of samples")
	asJSON := fs.Bool("json", false, "print JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ks, err := parseFloats(*strikes)
	if err != nil {
		return err
	}
	f, err := payoff.New(payoff.Kind(*kind), ks)
	if err != nil {
		return err
	}
	curve := payoff.Curve(f, *lo, *hi, *points)
	if *asJSON {
		return printJSON(out, curve)
	}

	rows := make([][2]string, len(curve))
	for i, p := range curve {
		rows[i] = [2]string{fixedN(p.Price, 2), fixed(p.Payoff)}
	}
	return report(out, rows)
}

func report(out io.Writer, rows [][2]string) error {
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	for _, r := range rows {
		fmt.Fprintf(tw, "%s\t%s\n", r[0], r[1])
	}
	return tw.Flush()
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode (non-finite values cannot be printed as JSON): %w", err)
	}
	return nil
}

func fixed(v float64) string { return fixedN(v, places) }

// fixedN renders v with n decimals. decimal cannot hold NaN or Inf, so
// those are printed as Go formats them.
func fixedN(v float64, n int32) string {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	return decimal.NewFromFloat(v).StringFixed(n)
}

// money is quantity × premium rounded to cents.
func money(qty, premium float64) string {
	if !finite(qty, premium) {
		return fixedN(qty*premium, 2)
	}
	return decimal.NewFromFloat(qty).Mul(decimal.NewFromFloat(premium)).StringFixed(2)
}

// bookValue sums position values in decimal so the total matches the rows.
func bookValue(positions []portfolio.Position) string {
	total := decimal.Zero
	for _, p := range positions {
		if !finite(p.Quantity, p.MarketPrice) {
			return "NaN"
		}
		total = total.Add(decimal.NewFromFloat(p.Quantity).Mul(decimal.NewFromFloat(p.MarketPrice)).Round(2))
	}
	return total.StringFixed(2)
}

func finite(vs ...float64) bool {
	for _, v := range vs {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

func parseFloats(s string) ([]float64, error) {
	var out []float64
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		v, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return nil, fmt.Errorf("bad number %q: %w", p, err)
		}
		out = append(out, v)
	}
	return out, nil
}
