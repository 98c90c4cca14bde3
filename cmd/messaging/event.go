package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/ERPlora/module-messaging/internal/automation"
	"github.com/ERPlora/module-messaging/internal/events"
)

var (
	eventCustomer string
	eventOccasion string
	eventPayload  string
)

var eventCmd = &cobra.Command{
	Use:   "event",
	Short: "Business event commands",
}

var eventPublishCmd = &cobra.Command{
	Use:   "publish <type>",
	Short: "Publish a business event to the event stream",
	Long: `Publish a business event to the Redis stream the engine consumes.

Example:
  messaging event publish birthday --customer c1 --payload '{"customer_name":"Ana","phone":"+34600000000"}'`,
	Args: cobra.ExactArgs(1),
	RunE: runEventPublish,
}

func init() {
	eventPublishCmd.Flags().StringVar(&eventCustomer, "customer", "", "Customer ID (required)")
	eventPublishCmd.Flags().StringVar(&eventOccasion, "occasion", "", "Occasion key for deduplication")
	eventPublishCmd.Flags().StringVar(&eventPayload, "payload", "{}", "Event payload as a JSON object")
	eventPublishCmd.MarkFlagRequired("customer")

	eventCmd.AddCommand(eventPublishCmd)
	rootCmd.AddCommand(eventCmd)
}

func runEventPublish(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Events.RedisAddr == "" {
		return fmt.Errorf("events.redis_addr is not configured")
	}

	ev := &automation.Event{
		TenantID:    tenantID,
		Type:        automation.Trigger(args[0]),
		CustomerID:  eventCustomer,
		OccurredAt:  time.Now().UTC(),
		OccasionKey: eventOccasion,
	}
	if err := json.Unmarshal([]byte(eventPayload), &ev.Payload); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	if err := ev.Validate(); err != nil {
		return err
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Events.RedisAddr,
		Password: cfg.Events.Password,
		DB:       cfg.Events.RedisDB,
	})
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	id, err := events.Publish(ctx, client, cfg.Events.Stream, ev)
	if err != nil {
		return err
	}

	fmt.Printf("Event published to %s: %s\n", cfg.Events.Stream, id)
	return nil
}
