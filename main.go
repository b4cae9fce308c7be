package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"rental-hunter/config"
	"rental-hunter/db"
	"rental-hunter/logger"
	"rental-hunter/models"
	"rental-hunter/scheduler"
)

const (
	exitOK    = 0
	exitFatal = 1
	exitUsage = 2
)

var commands = map[string]string{
	"daemon":      "poll all sources on their schedule until interrupted (default)",
	"run":         "poll every source once and exit",
	"stats":       "print seen-set statistics",
	"list":        "print recently seen listings",
	"test-notify": "send a test message through every notification channel",
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("rental-hunter", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "config.yaml", "Path to configuration file")
	envPath := fs.String("env", ".env", "Path to .env file with secrets (ignored if missing)")
	hours := fs.Int("hours", 24, "Look-back window in hours for stats and list")
	limit := fs.Int("limit", 50, "Maximum number of listings printed by list")
	fs.Usage = func() { usage(fs) }

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		return exitUsage
	}

	command := "daemon"
	switch fs.NArg() {
	case 0:
	case 1:
		command = fs.Arg(0)
	default:
		usage(fs)
		return exitUsage
	}
	if _, ok := commands[command]; !ok {
		fmt.Fprintf(stderr, "unknown command %q\n\n", command)
		usage(fs)
		return exitUsage
	}
	if *hours < 1 || *limit < 1 {
		fmt.Fprintln(stderr, "-hours and -limit must be positive")
		return exitUsage
	}

	cfg, err := config.LoadConfig(*configPath, *envPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitFatal
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(cfg, stdout)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitFatal
	}
	defer a.close()

	window := time.Duration(*hours) * time.Hour
	switch command {
	case "daemon":
		err = a.runDaemon(ctx)
	case "run":
		err = a.runOnce(ctx)
	case "stats":
		err = a.printStats(ctx, window)
	case "list":
		err = a.printRecent(ctx, window, *limit)
	case "test-notify":
		err = a.testNotify(ctx)
	}
	if err != nil {
		a.log.Error("command failed", err, logger.Fields{"command": command})
		return exitFatal
	}
	return exitOK
}

func usage(fs *flag.FlagSet) {
	out := fs.Output()
	fmt.Fprintln(out, "Usage: rental-hunter [-config path] [-env path] [daemon|run|stats|list|test-notify]")
	fmt.Fprintln(out, "\nCommands:")
	for _, name := range []string{"daemon", "run", "stats", "list", "test-notify"} {
		fmt.Fprintf(out, "  %-12s %s\n", name, commands[name])
	}
	fmt.Fprintln(out, "\nFlags:")
	fs.PrintDefaults()
}

func (a *app) runDaemon(ctx context.Context) error {
	if err := a.openStore(ctx); err != nil {
		return err
	}
	if err := a.buildScheduler(ctx); err != nil {
		return err
	}

	srv := a.startServer()

	a.log.Info("rental hunter started", logger.Fields{
		"sources":  len(a.sched.Status()),
		"channels": a.dispatcher.Channels(),
	})
	a.sched.Run(ctx)

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.log.Warn("status server shutdown failed", logger.Fields{"error": err.Error()})
		}
	}
	a.log.Info("rental hunter stopped", nil)
	return nil
}

func (a *app) runOnce(ctx context.Context) error {
	if err := a.openStore(ctx); err != nil {
		return err
	}
	if err := a.buildScheduler(ctx); err != nil {
		return err
	}

	reports, err := a.sched.RunOnce(ctx)
	printReports(a.out, reports)

	if err != nil && allFailed(reports) {
		return fmt.Errorf("every source failed: %w", err)
	}
	return nil
}

func (a *app) printStats(ctx context.Context, window time.Duration) error {
	if err := a.openStore(ctx); err != nil {
		return err
	}
	s, err := a.store.StatsLast(ctx, window)
	if err != nil {
		return err
	}
	printStats(a.out, s, window)
	return nil
}

func (a *app) printRecent(ctx context.Context, window time.Duration, limit int) error {
	if err := a.openStore(ctx); err != nil {
		return err
	}
	records, err := a.store.RecentLast(ctx, window, limit)
	if err != nil {
		return err
	}
	formatRecordsConsole(a.out, records, window)
	return nil
}

func (a *app) testNotify(ctx context.Context) error {
	if err := a.buildDispatcher(ctx); err != nil {
		return err
	}

	result, err := a.dispatcher.Test(ctx)
	for _, name := range result.Delivered {
		fmt.Fprintf(a.out, "✅ %s\n", name)
	}
	for name, chErr := range result.Failed {
		fmt.Fprintf(a.out, "❌ %s: %v\n", name, chErr)
	}
	return err
}

func allFailed(reports []scheduler.CycleReport) bool {
	for _, r := range reports {
		if r.Error == "" {
			return false
		}
	}
	return true
}

func printReports(out io.Writer, reports []scheduler.CycleReport) {
	for _, r := range reports {
		if r.Error != "" {
			fmt.Fprintf(out, "%-10s FAILED after %d attempt(s): %s\n", r.Source, r.Attempts, r.Error)
			continue
		}
		fmt.Fprintf(out, "%-10s %d candidates, %d new, %d filtered, %d notified, %d pending, %d deferred, %d failed\n",
			r.Source, r.Candidates, r.New, r.Filtered, r.Notified, r.Pending, r.Deferred, r.Failed)
	}
}

func printStats(out io.Writer, s db.Stats, window time.Duration) {
	fmt.Fprintf(out, "Last %s:\n", humanWindow(window))
	fmt.Fprintf(out, "  - New listings: %d\n", s.Since)
	fmt.Fprintf(out, "  - Notified: %d\n", s.NotifiedSince)
	fmt.Fprintf(out, "  - Landlords contacted: %d\n", s.ContactedSince)
	fmt.Fprintln(out)
	fmt.Fprintln(out, "All time:")
	fmt.Fprintf(out, "  - Seen: %d\n", s.Total)
	fmt.Fprintf(out, "  - Notified: %d\n", s.Notified)
	fmt.Fprintf(out, "  - Filtered out: %d\n", s.Filtered)
	fmt.Fprintf(out, "  - Pending delivery: %d\n", s.Pending)
	fmt.Fprintf(out, "  - Landlords contacted: %d\n", s.Contacted)
}

// formatRecordsConsole prints seen records, newest first
func formatRecordsConsole(out io.Writer, records []models.SeenRecord, window time.Duration) {
	if len(records) == 0 {
		fmt.Fprintf(out, "No listings seen in the last %s.\n", humanWindow(window))
		return
	}

	for i, rec := range records {
		fmt.Fprintf(out, "\n%d. %s\n", i+1, rec.Identity)
		if d := rec.Details; d != nil {
			fmt.Fprintf(out, "   %s\n", d.Title)
			if d.Price != nil {
				fmt.Fprintf(out, "   Price: €%.0f/month\n", *d.Price)
			}
			if d.URL != "" {
				fmt.Fprintf(out, "   URL: %s\n", d.URL)
			}
		}
		fmt.Fprintf(out, "   First seen: %s\n", rec.FirstSeenAt.Local().Format("2006-01-02 15:04"))

		switch {
		case rec.Notified && rec.NotifiedAt != nil:
			fmt.Fprintf(out, "   Status: notified at %s\n", rec.NotifiedAt.Local().Format("2006-01-02 15:04"))
		case rec.Notified:
			fmt.Fprintln(out, "   Status: notified")
		case rec.Pending():
			fmt.Fprintln(out, "   Status: pending delivery")
		default:
			fmt.Fprintln(out, "   Status: filtered out")
		}
		if rec.ContactedAt != nil {
			fmt.Fprintf(out, "   Contacted: %s\n", rec.ContactedAt.Local().Format("2006-01-02 15:04"))
		}
	}
}

func humanWindow(d time.Duration) string {
	hours := int(d / time.Hour)
	if hours%24 == 0 && hours >= 48 {
		return fmt.Sprintf("%d days", hours/24)
	}
	if hours == 1 {
		return "hour"
	}
	return fmt.Sprintf("%d hours", hours)
}
