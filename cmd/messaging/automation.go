package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ERPlora/module-messaging/internal/automation"
)

var (
	executionStatus string
	executionLimit  int
)

var automationCmd = &cobra.Command{
	Use:   "automation",
	Short: "Automation commands",
}

var automationListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the tenant's automations",
	RunE:  runAutomationList,
}

var automationExecutionsCmd = &cobra.Command{
	Use:   "executions <automation_id>",
	Short: "List executions of an automation",
	Args:  cobra.ExactArgs(1),
	RunE:  runAutomationExecutions,
}

func init() {
	automationExecutionsCmd.Flags().StringVar(&executionStatus, "status", "", "Filter by status (pending, sent, failed, skipped)")
	automationExecutionsCmd.Flags().IntVar(&executionLimit, "limit", 50, "Maximum number of executions to show")

	automationCmd.AddCommand(automationListCmd, automationExecutionsCmd)
	rootCmd.AddCommand(automationCmd)
}

func runAutomationList(cmd *cobra.Command, args []string) error {
	s, err := openStores()
	if err != nil {
		return err
	}
	defer s.Close()

	list, err := s.automations.List(context.Background(), tenantID, automation.ListFilter{})
	if err != nil {
		return fmt.Errorf("failed to list automations: %w", err)
	}

	if len(list) == 0 {
		fmt.Println("No automations")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tTRIGGER\tCHANNEL\tDELAY\tACTIVE\tSENT")
	for _, a := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%t\t%d\n",
			a.ID, a.Name, a.Trigger, a.Channel, a.Delay(), a.IsActive, a.ExecutionCount)
	}
	w.Flush()
	return nil
}

func runAutomationExecutions(cmd *cobra.Command, args []string) error {
	s, err := openStores()
	if err != nil {
		return err
	}
	defer s.Close()

	execs, err := s.automations.ListExecutions(context.Background(), tenantID, automation.ExecutionFilter{
		AutomationID: args[0],
		Status:       automation.ExecStatus(executionStatus),
		Limit:        executionLimit,
	})
	if err != nil {
		return fmt.Errorf("failed to list executions: %w", err)
	}

	if len(execs) == 0 {
		fmt.Println("No executions")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCUSTOMER\tSTATUS\tSCHEDULED\tDETAIL")
	for _, e := range execs {
		detail := e.SkipReason
		if e.Error != "" {
			detail = e.Error
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			e.ID, e.CustomerID, e.Status, e.ScheduledAt.Format(time.RFC3339), detail)
	}
	w.Flush()
	return nil
}
