package main

import (
	"fmt"
	"strings"

	"github.com/holthome/preseed/internal/executor"
	"github.com/holthome/preseed/internal/notify"
	"github.com/spf13/cobra"
)

var notifyLevel string

var notifyCmd = &cobra.Command{
	Use:   "notify",
	Short: "Notification management",
}

var notifyRulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "List configured channels and routing rules",
	RunE:  runNotifyRules,
}

var notifySendCmd = &cobra.Command{
	Use:   "send <template> <instance> <message>",
	Short: "Send a test notification through the configured routing",
	Args:  cobra.MinimumNArgs(3),
	RunE:  runNotifySend,
}

func init() {
	notifySendCmd.Flags().StringVar(&notifyLevel, "level", "INFO", "Event level (INFO/WARN/ERROR)")
	notifyCmd.AddCommand(notifyRulesCmd, notifySendCmd)
}

func configuredDispatcher() (*notify.Dispatcher, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return notify.FromConfig(cfg.Notify, executor.New(executor.Options{}))
}

func runNotifyRules(cmd *cobra.Command, args []string) error {
	d, err := configuredDispatcher()
	if err != nil {
		return err
	}
	fmt.Print(notify.FormatRuleList(d.Channels(), d.Rules()))
	return nil
}

func runNotifySend(cmd *cobra.Command, args []string) error {
	d, err := configuredDispatcher()
	if err != nil {
		return err
	}
	event := notify.Event{
		Type:     args[0],
		Instance: args[1],
		Message:  strings.Join(args[2:], " "),
		Level:    strings.ToUpper(notifyLevel),
	}
	errs := d.Dispatch(event)
	for _, e := range errs {
		fmt.Println(styleError.Render("  " + e.Error()))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%d channel(s) failed", len(errs))
	}
	fmt.Println(styleSuccess.Render("Sent " + event.Key()))
	return nil
}
