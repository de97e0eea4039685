package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jfoltran/replicore/internal/eventbus"
)

var (
	flagAvailabilityBrokers string
	flagAvailabilityTopic   string
	flagAvailabilityGroupID string
)

var availabilityCmd = &cobra.Command{
	Use:   "tail-availability",
	Short: "Stream availability events from the Kafka-backed event bus",
	Long: "Connects directly to the Kafka topic a serve process is publishing to " +
		"(see log.replication.kafka-brokers/-topic) and prints each availability " +
		"transition as it arrives, without running an endpoint of its own.",
	RunE: runTailAvailability,
}

func init() {
	availabilityCmd.Flags().StringVar(&flagAvailabilityBrokers, "kafka-brokers", "", "comma-separated seed brokers (required)")
	availabilityCmd.Flags().StringVar(&flagAvailabilityTopic, "kafka-topic", "", "topic to consume availability events from (required)")
	availabilityCmd.Flags().StringVar(&flagAvailabilityGroupID, "kafka-group-id", "replicatord-tail", "consumer group id")
}

func runTailAvailability(cmd *cobra.Command, args []string) error {
	if flagAvailabilityBrokers == "" || flagAvailabilityTopic == "" {
		return fmt.Errorf("--kafka-brokers and --kafka-topic are required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	kcfg := eventbus.KafkaConfig{
		SeedBrokers: strings.Split(flagAvailabilityBrokers, ","),
		Topic:       flagAvailabilityTopic,
		GroupID:     flagAvailabilityGroupID,
	}

	err := eventbus.ConsumeKafkaAvailability(ctx, kcfg, logger, func(a eventbus.Availability) {
		status := "available"
		if !a.Available {
			status = "unavailable"
		}
		fmt.Printf("%s %s/%s", status, a.EndpointID, a.LogName)
		if len(a.Causes) > 0 {
			fmt.Printf(" (%s)", strings.Join(a.Causes, "; "))
		}
		fmt.Println()
	})
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}
