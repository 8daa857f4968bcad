package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/holthome/preseed/internal/statedb"
	"github.com/spf13/cobra"
)

var historyCmd = &cobra.Command{
	Use:   "history [name]",
	Short: "Show recent preseed runs",
	Args:  cobra.MaximumNArgs(1),
	RunE:  showHistory,
}

var (
	historyLast   int
	historyRun    string
	historyFormat string
	historyPrune  int
)

func init() {
	historyCmd.Flags().IntVar(&historyLast, "last", 10, "Number of runs to show")
	historyCmd.Flags().StringVar(&historyRun, "run", "", "Show the attempts of one run")
	historyCmd.Flags().StringVar(&historyFormat, "format", "", "Output format (json)")
	historyCmd.Flags().IntVar(&historyPrune, "prune-days", 0, "Delete runs older than this many days first")
}

func showHistory(cmd *cobra.Command, args []string) error {
	if historyLast < 1 {
		return fmt.Errorf("--last must be at least 1, got %d", historyLast)
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	db, err := statedb.Open(cfg.DBPath())
	if err != nil {
		return fmt.Errorf("failed to open history: %w", err)
	}
	defer db.Close()

	if historyPrune > 0 {
		cutoff := time.Now().UTC().AddDate(0, 0, -historyPrune).Format(time.RFC3339)
		n, err := db.Prune(cutoff)
		if err != nil {
			return fmt.Errorf("failed to prune history: %w", err)
		}
		fmt.Println(styleDim.Render(fmt.Sprintf("Pruned %d run(s) older than %d days.", n, historyPrune)))
	}

	if historyRun != "" {
		run, err := db.GetRun(historyRun)
		if errors.Is(err, statedb.ErrNotFound) {
			return fmt.Errorf("no run with id %q", historyRun)
		}
		if err != nil {
			return err
		}
		attempts, err := db.ListAttempts(run.ID)
		if err != nil {
			return err
		}
		fmt.Print(statedb.FormatRunList([]statedb.RunRecord{run}))
		fmt.Println()
		fmt.Print(statedb.FormatAttempts(attempts))
		return nil
	}

	service := ""
	if len(args) == 1 {
		service = args[0]
	}
	runs, err := db.ListRuns(service, historyLast)
	if err != nil {
		return fmt.Errorf("failed to read history: %w", err)
	}
	if historyFormat == "json" {
		out, err := statedb.FormatRunListJSON(runs)
		if err != nil {
			return err
		}
		fmt.Println(out)
		return nil
	}
	fmt.Print(statedb.FormatRunList(runs))
	return nil
}
