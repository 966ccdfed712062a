package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/google/subcommands"

	"github.com/stocksim/sim-engine/internal/date"
	"github.com/stocksim/sim-engine/internal/fx"
	"github.com/stocksim/sim-engine/internal/game"
	"github.com/stocksim/sim-engine/internal/pricing"
	"github.com/stocksim/sim-engine/internal/valuation"
)

type migrateCmd struct{}

func (*migrateCmd) Name() string     { return "migrate" }
func (*migrateCmd) Synopsis() string { return "apply pending schema migrations" }
func (*migrateCmd) Usage() string {
	return `simctl migrate

  Connects to DATABASE_URL and applies every pending migration.
`
}
func (*migrateCmd) SetFlags(*flag.FlagSet) {}

func (*migrateCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	e, err := openEnv(ctx, true)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	e.close()
	fmt.Println("migrations applied")
	return subcommands.ExitSuccess
}

type ratesCmd struct {
	refresh bool
}

func (*ratesCmd) Name() string     { return "rates" }
func (*ratesCmd) Synopsis() string { return "show exchange rates, optionally refreshing them" }
func (*ratesCmd) Usage() string {
	return `simctl rates [-refresh]

  Prints every supported currency with its rate per 1 USD. With -refresh,
  live quotes are fetched and stored first.
`
}

func (c *ratesCmd) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&c.refresh, "refresh", false, "fetch live quotes before printing")
}

func (c *ratesCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	e, err := openEnv(ctx, false)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	defer e.close()

	conv := fx.NewConverter(e.store, fx.NewYahooSource(e.cfg.FX.QuoteURL, e.cfg.FX.RequestsPerSecond), e.cfg.FX.RefreshInterval)
	if c.refresh {
		if err := conv.Refresh(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "refresh failed, showing stored rates: %v\n", err)
		}
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "CODE\tNAME\tSYMBOL\tPER USD")
	for _, r := range conv.Rates(ctx) {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.Code, r.Name, fx.Symbol(r.Code), r.Rate.StringFixed(4))
	}
	w.Flush()
	return subcommands.ExitSuccess
}

type valueCmd struct {
	portfolio int64
	date      string
}

func (*valueCmd) Name() string     { return "value" }
func (*valueCmd) Synopsis() string { return "value a portfolio as of a date" }
func (*valueCmd) Usage() string {
	return `simctl value -p <portfolio_id> [-d <YYYY-MM-DD>]

  Replays the portfolio's ledger up to the date and prints the valuation
  as JSON. The date defaults to today.
`
}

func (c *valueCmd) SetFlags(f *flag.FlagSet) {
	f.Int64Var(&c.portfolio, "p", 0, "portfolio id")
	f.StringVar(&c.date, "d", "", "valuation date (YYYY-MM-DD)")
}

func (c *valueCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if c.portfolio <= 0 {
		fmt.Fprintln(os.Stderr, "-p is required")
		return subcommands.ExitUsageError
	}
	on := date.Today()
	if c.date != "" {
		var err error
		if on, err = date.Parse(c.date); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return subcommands.ExitUsageError
		}
	}

	e, err := openEnv(ctx, false)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	defer e.close()

	engine := valuation.NewEngine(e.store, pricing.NewResolver(e.store, e.store))
	v, err := engine.Valuate(ctx, c.portfolio, on)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	return printJSON(v)
}

type advanceCmd struct {
	portfolio int64
	to        string
}

func (*advanceCmd) Name() string     { return "advance" }
func (*advanceCmd) Synopsis() string { return "move a portfolio's simulation clock forward" }
func (*advanceCmd) Usage() string {
	return `simctl advance -p <portfolio_id> -to <YYYY-MM-DD>

  Advances the active session and credits net monthly income for every
  calendar month crossed.
`
}

func (c *advanceCmd) SetFlags(f *flag.FlagSet) {
	f.Int64Var(&c.portfolio, "p", 0, "portfolio id")
	f.StringVar(&c.to, "to", "", "target date (YYYY-MM-DD)")
}

func (c *advanceCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if c.portfolio <= 0 || c.to == "" {
		fmt.Fprintln(os.Stderr, "-p and -to are required")
		return subcommands.ExitUsageError
	}

	e, err := openEnv(ctx, false)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	defer e.close()

	conv := fx.NewConverter(e.store, nil, e.cfg.FX.RefreshInterval)
	res, err := game.NewClock(e.store, conv, nil).Advance(ctx, c.portfolio, c.to)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	return printJSON(res)
}

func printJSON(v any) subcommands.ExitStatus {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
