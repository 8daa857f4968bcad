package main

import (
	"fmt"

	"github.com/holthome/preseed/internal/preseed"
	"github.com/spf13/cobra"
)

var checkCmd = &cobra.Command{
	Use:   "check <name>",
	Short: "Show what run would do for a path, without changing anything",
	Args:  cobra.ExactArgs(1),
	RunE:  runCheck,
}

var checkFormat string

func init() {
	checkCmd.Flags().StringVar(&checkFormat, "format", "", "Output format (json)")
}

func runCheck(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	paths, err := selectPaths(cfg, args, false)
	if err != nil {
		return err
	}

	a, err := newApp(cfg, false)
	if err != nil {
		return err
	}
	defer a.Close()

	report, checkErr := a.orchestrator("").Check(cmd.Context(), paths[0])
	if checkFormat == "json" {
		out, err := preseed.FormatCheckJSON(report)
		if err != nil {
			return err
		}
		fmt.Println(out)
		return checkErr
	}

	fmt.Println(styleHeader.Render("preseed check " + report.Service))
	fmt.Print(preseed.FormatCheck(report))
	return checkErr
}
