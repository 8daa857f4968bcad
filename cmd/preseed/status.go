package main

import (
	"fmt"
	"os"
	"time"

	"github.com/holthome/preseed/internal/metrics"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the last result of every path from its metrics file",
	RunE:  showStatus,
}

var (
	statusStaleHours int
	statusFormat     string
)

func init() {
	statusCmd.Flags().IntVar(&statusStaleHours, "stale-hours", 26, "Flag results older than this many hours")
	statusCmd.Flags().StringVar(&statusFormat, "format", "", "Output format (json)")
}

func showStatus(cmd *cobra.Command, args []string) error {
	if statusStaleHours < 1 {
		return fmt.Errorf("--stale-hours must be at least 1, got %d", statusStaleHours)
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	records, errs := metrics.ReadDir(cfg.Metrics.TextfileDir)
	for _, e := range errs {
		fmt.Fprintln(os.Stderr, styleWarn.Render("warning: "+e.Error()))
	}

	if statusFormat == "json" {
		out, err := metrics.FormatStatusJSON(records)
		if err != nil {
			return err
		}
		fmt.Println(out)
		return nil
	}
	fmt.Print(metrics.FormatStatus(records, time.Now(), time.Duration(statusStaleHours)*time.Hour))
	return nil
}
