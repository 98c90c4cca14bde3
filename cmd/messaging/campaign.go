package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ERPlora/module-messaging/internal/campaign"
)

var campaignListStatus string

var campaignCmd = &cobra.Command{
	Use:   "campaign",
	Short: "Campaign commands",
}

var campaignListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the tenant's campaigns",
	RunE:  runCampaignList,
}

var campaignProgressCmd = &cobra.Command{
	Use:   "progress <campaign_id>",
	Short: "Show progress recomputed from the campaign's messages",
	Args:  cobra.ExactArgs(1),
	RunE:  runCampaignProgress,
}

var campaignCancelCmd = &cobra.Command{
	Use:   "cancel <campaign_id>",
	Short: "Cancel a campaign and fail its queued messages",
	Args:  cobra.ExactArgs(1),
	RunE:  runCampaignCancel,
}

func init() {
	campaignListCmd.Flags().StringVar(&campaignListStatus, "status", "", "Filter by status (draft, scheduled, sending, completed, cancelled)")

	campaignCmd.AddCommand(campaignListCmd, campaignProgressCmd, campaignCancelCmd)
	rootCmd.AddCommand(campaignCmd)
}

func runCampaignList(cmd *cobra.Command, args []string) error {
	s, err := openStores()
	if err != nil {
		return err
	}
	defer s.Close()

	list, err := s.campaigns.List(context.Background(), tenantID, campaign.ListFilter{Status: campaign.Status(campaignListStatus)})
	if err != nil {
		return fmt.Errorf("failed to list campaigns: %w", err)
	}

	if len(list) == 0 {
		fmt.Println("No campaigns")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tCHANNEL\tSTATUS\tRECIPIENTS\tSCHEDULED")
	for _, c := range list {
		scheduled := "-"
		if c.ScheduledAt != nil {
			scheduled = c.ScheduledAt.Format("2006-01-02 15:04")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n", c.ID, c.Name, c.Channel, c.Status, len(c.Recipients), scheduled)
	}
	w.Flush()
	return nil
}

func runCampaignProgress(cmd *cobra.Command, args []string) error {
	s, err := openStores()
	if err != nil {
		return err
	}
	defer s.Close()

	p, err := s.campaigns.Progress(context.Background(), tenantID, args[0])
	if err != nil {
		return fmt.Errorf("failed to get progress: %w", err)
	}

	fmt.Printf("Campaign:  %s (%s)\n", p.CampaignID, p.Status)
	fmt.Printf("Total:     %d\n", p.TotalCount)
	fmt.Printf("Queued:    %d\n", p.QueuedCount)
	fmt.Printf("Sent:      %d\n", p.SentCount)
	fmt.Printf("Delivered: %d\n", p.DeliveredCount)
	fmt.Printf("Read:      %d\n", p.ReadCount)
	fmt.Printf("Failed:    %d\n", p.FailedCount)
	fmt.Printf("Progress:  %.1f%%\n", p.ProgressPercentage)
	if p.DeliveryRate != nil {
		fmt.Printf("Delivery:  %.1f%%\n", *p.DeliveryRate)
	} else {
		fmt.Printf("Delivery:  n/a\n")
	}
	return nil
}

func runCampaignCancel(cmd *cobra.Command, args []string) error {
	s, err := openStores()
	if err != nil {
		return err
	}
	defer s.Close()

	c, err := s.campaigns.Cancel(context.Background(), tenantID, args[0])
	if err != nil {
		return fmt.Errorf("failed to cancel campaign: %w", err)
	}

	fmt.Printf("Campaign %s cancelled (%d failed, %d sent)\n", c.ID, c.FailedCount, c.SentCount)
	return nil
}
