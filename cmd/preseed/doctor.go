package main

import (
	"fmt"

	"github.com/holthome/preseed/internal/config"
	"github.com/holthome/preseed/internal/precheck"
	"github.com/spf13/cobra"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Verify binaries, secrets and state before a boot depends on them",
	RunE:  runDoctor,
}

var doctorFormat string

func init() {
	doctorCmd.Flags().StringVar(&doctorFormat, "format", "", "Output format (json)")
}

func runDoctor(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}

	result := precheck.ForConfig(cfg, configPath).Run()
	if doctorFormat == "json" {
		out, err := precheck.FormatRunResultJSON(result)
		if err != nil {
			return err
		}
		fmt.Println(out)
	} else {
		fmt.Print(precheck.FormatRunResult(result))
	}

	if !result.AllPassed {
		failed := 0
		for _, r := range result.Results {
			if !r.Passed {
				failed++
			}
		}
		return fmt.Errorf("%d check(s) failed", failed)
	}
	return nil
}
