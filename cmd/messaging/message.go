package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ERPlora/module-messaging/internal/channel"
	"github.com/ERPlora/module-messaging/internal/tracker"
)

var (
	messageListStatus   string
	messageListChannel  string
	messageListCampaign string
	messageListLimit    int
)

var messageCmd = &cobra.Command{
	Use:   "message",
	Short: "Message inspection commands",
}

var messageListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the tenant's messages",
	RunE:  runMessageList,
}

var messageShowCmd = &cobra.Command{
	Use:   "show <message_id>",
	Short: "Show message details",
	Args:  cobra.ExactArgs(1),
	RunE:  runMessageShow,
}

var messageStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show message counts by status",
	RunE:  runMessageStats,
}

func init() {
	messageListCmd.Flags().StringVar(&messageListStatus, "status", "", "Filter by status (queued, sent, delivered, read, failed)")
	messageListCmd.Flags().StringVar(&messageListChannel, "channel", "", "Filter by channel (whatsapp, sms, email)")
	messageListCmd.Flags().StringVar(&messageListCampaign, "campaign", "", "Filter by campaign ID")
	messageListCmd.Flags().IntVar(&messageListLimit, "limit", 50, "Maximum number of messages to show")

	messageCmd.AddCommand(messageListCmd, messageShowCmd, messageStatsCmd)
	rootCmd.AddCommand(messageCmd)
}

func runMessageList(cmd *cobra.Command, args []string) error {
	s, err := openStores()
	if err != nil {
		return err
	}
	defer s.Close()

	if messageListStatus != "" {
		if _, ok := tracker.ParseStatus(messageListStatus); !ok {
			return fmt.Errorf("unknown status %q", messageListStatus)
		}
	}

	msgs, err := s.tracker.Store().List(context.Background(), tenantID, tracker.ListFilter{
		Status:     tracker.Status(messageListStatus),
		Channel:    channel.Channel(messageListChannel),
		CampaignID: messageListCampaign,
		Limit:      messageListLimit,
	})
	if err != nil {
		return fmt.Errorf("failed to list messages: %w", err)
	}

	if len(msgs) == 0 {
		fmt.Println("No messages")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCHANNEL\tRECIPIENT\tSTATUS\tATTEMPTS\tCREATED")
	for _, m := range msgs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
			m.ID, m.Channel, m.Recipient, m.Status, m.Attempts, m.CreatedAt.Format("2006-01-02 15:04:05"))
	}
	w.Flush()

	fmt.Printf("\nTotal: %d messages\n", len(msgs))
	return nil
}

func runMessageShow(cmd *cobra.Command, args []string) error {
	s, err := openStores()
	if err != nil {
		return err
	}
	defer s.Close()

	m, err := s.tracker.Store().Get(context.Background(), args[0])
	if err != nil {
		return fmt.Errorf("failed to get message: %w", err)
	}

	fmt.Printf("ID:          %s\n", m.ID)
	fmt.Printf("Tenant:      %s\n", m.TenantID)
	fmt.Printf("Channel:     %s\n", m.Channel)
	fmt.Printf("Recipient:   %s\n", m.Recipient)
	fmt.Printf("Status:      %s\n", m.Status)
	fmt.Printf("Attempts:    %d\n", m.Attempts)
	if m.CampaignID != "" {
		fmt.Printf("Campaign:    %s\n", m.CampaignID)
	}
	if m.ExecutionID != "" {
		fmt.Printf("Execution:   %s\n", m.ExecutionID)
	}
	if m.ExternalID != "" {
		fmt.Printf("External ID: %s\n", m.ExternalID)
	}
	fmt.Printf("Created:     %s\n", m.CreatedAt.Format("2006-01-02 15:04:05"))
	if m.SentAt != nil {
		fmt.Printf("Sent:        %s\n", m.SentAt.Format("2006-01-02 15:04:05"))
	}
	if m.DeliveredAt != nil {
		fmt.Printf("Delivered:   %s\n", m.DeliveredAt.Format("2006-01-02 15:04:05"))
	}
	if m.ReadAt != nil {
		fmt.Printf("Read:        %s\n", m.ReadAt.Format("2006-01-02 15:04:05"))
	}
	if m.FailureReason != "" {
		fmt.Printf("Failure:     %s: %s\n", m.FailureReason, m.FailureDetail)
	}
	if m.Subject != "" {
		fmt.Printf("\nSubject: %s\n", m.Subject)
	}
	if m.Body != "" {
		fmt.Printf("\n%s\n", m.Body)
	}
	return nil
}

func runMessageStats(cmd *cobra.Command, args []string) error {
	s, err := openStores()
	if err != nil {
		return err
	}
	defer s.Close()

	c, err := s.tracker.Store().Counts(context.Background(), "")
	if err != nil {
		return fmt.Errorf("failed to count messages: %w", err)
	}

	fmt.Println("Message Statistics")
	fmt.Println("==================")
	fmt.Printf("Queued:    %d\n", c.Queued)
	fmt.Printf("Sent:      %d\n", c.Sent)
	fmt.Printf("Delivered: %d\n", c.Delivered)
	fmt.Printf("Read:      %d\n", c.Read)
	fmt.Printf("Failed:    %d\n", c.Failed)
	fmt.Printf("Total:     %d\n", c.Total)
	return nil
}
