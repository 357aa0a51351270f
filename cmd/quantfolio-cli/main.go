package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"text/tabwriter"
	"time"

	"quantfolio/pkg/quantfolio"
)

const version = "0.1.0"

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: quantfolio-cli <command> [options]\n\n")
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "  version              Print the CLI version\n")
		fmt.Fprintf(os.Stderr, "  status               Show the portfolio and its funds\n")
		fmt.Fprintf(os.Stderr, "  watch                Print every status update\n")
		fmt.Fprintf(os.Stderr, "  orders [-fund id]    List journaled orders\n")
		fmt.Fprintf(os.Stderr, "  signals [-fund id]   List consensus changes\n")
		fmt.Fprintf(os.Stderr, "  start <fund>         Start a fund\n")
		fmt.Fprintf(os.Stderr, "  stop <fund>          Stop a fund\n")
		fmt.Fprintf(os.Stderr, "\nThe server address is read from QUANTFOLIO_ADDR (default localhost:50051).\n")
	}

	if len(os.Args) < 2 {
		flag.Usage()
		os.Exit(1)
	}
	if os.Args[1] == "version" {
		fmt.Printf("quantfolio-cli %s\n", version)
		return
	}

	addr := "localhost:50051"
	if a := os.Getenv("QUANTFOLIO_ADDR"); a != "" {
		addr = a
	}
	client, err := quantfolio.Dial(addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer client.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, client, os.Args[1], os.Args[2:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, client *quantfolio.Client, cmd string, args []string) error {
	switch cmd {
	case "status":
		callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		s, err := client.Status(callCtx)
		if err != nil {
			return err
		}
		printStatus(s)
		return nil

	case "watch":
		return client.Watch(ctx, func(s quantfolio.Status) error {
			printStatus(s)
			fmt.Println()
			return nil
		})

	case "orders", "signals":
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		fundID := fs.String("fund", "", "only list rows of this fund")
		limit := fs.Int("limit", quantfolio.DefaultListLimit, "maximum number of rows")
		fs.Parse(args)

		callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if cmd == "orders" {
			orders, err := client.Orders(callCtx, *fundID, *limit)
			if err != nil {
				return err
			}
			printOrders(orders)
			return nil
		}
		signals, err := client.Signals(callCtx, *fundID, *limit)
		if err != nil {
			return err
		}
		printSignals(signals)
		return nil

	case "start", "stop":
		if len(args) != 1 {
			return fmt.Errorf("usage: quantfolio-cli %s <fund>", cmd)
		}
		callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		var err error
		if cmd == "start" {
			err = client.StartFund(callCtx, args[0])
		} else {
			err = client.StopFund(callCtx, args[0])
		}
		if err != nil {
			return err
		}
		fmt.Printf("%s: %s requested\n", args[0], cmd)
		return nil

	default:
		flag.Usage()
		return fmt.Errorf("unknown command: %s", cmd)
	}
}

func printStatus(s quantfolio.Status) {
	fmt.Printf("%s  cash %s %s  settled %s  nlv %s\n",
		s.Time.Local().Format(time.DateTime), s.Cash.StringFixed(2), s.Currency,
		s.SettledCash.StringFixed(2), s.NetLiquidation.StringFixed(2))

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "FUND\tSTATE\tCCY\tCASH\tPOSITIONS\tNLV\tPNL\tFEES\tORDERS\tFILLS\tREJ")
	for _, f := range s.Funds {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%d/%d\t%d\t%d\n",
			f.ID, f.State, f.Currency, f.Cash.StringFixed(2), f.PositionValue.StringFixed(2),
			f.NetLiquidation.StringFixed(2), f.RealizedPnL.StringFixed(2), f.Fees.StringFixed(2),
			f.OpenOrders, f.Submitted, f.Fills, f.Rejected)
	}
	w.Flush()

	for _, f := range s.Funds {
		if len(f.Positions) == 0 && len(f.Consensus) == 0 {
			continue
		}
		fmt.Printf("\n%s (%s)\n", f.ID, f.Name)
		for _, p := range f.Positions {
			fmt.Printf("  %-14s %12s @ %s\n", p.Security, p.Quantity.String(), p.AvgPrice.StringFixed(4))
		}
		secs := make([]string, 0, len(f.Consensus))
		for sec := range f.Consensus {
			secs = append(secs, sec)
		}
		sort.Strings(secs)
		for _, sec := range secs {
			fmt.Printf("  %-14s %s\n", sec, f.Consensus[sec])
		}
	}
}

func printOrders(orders []quantfolio.Order) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tFUND\tSECURITY\tTYPE\tSTATE\tQTY\tFILLED\tAVG\tUPDATED\tCOMMENT")
	for _, o := range orders {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			o.ID, o.FundID, o.Security, o.Type, o.State, o.Quantity.String(), o.FilledQty.String(),
			o.AvgFillPrice.StringFixed(4), o.UpdatedAt.Local().Format(time.DateTime), o.Comment)
	}
	w.Flush()
}

func printSignals(signals []quantfolio.Signal) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tFUND\tSECURITY\tSTATE")
	for _, s := range signals {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", s.Time.Local().Format(time.DateTime), s.FundID, s.Security, s.State)
	}
	w.Flush()
}
