// Package ingest bridges externally produced generation events into the
// in-process bus. It consumes Kafka topics with franz-go and republishes
// each record as an artifact event. The bridge is optional: the service
// runs purely in-process when no brokers are configured.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"shantyman/pkg/eventbus"
	"shantyman/pkg/logging"
	"shantyman/pkg/protocol"
)

// Consumer polls Kafka and republishes generation events onto the bus.
type Consumer struct {
	client *kgo.Client
	bus    *eventbus.Bus
	logger logging.Logger
}

// NewConsumer creates a Kafka consumer bridging into the given bus.
func NewConsumer(brokers []string, groupID, clientID string, topics []string, bus *eventbus.Bus, logger logging.Logger) (*Consumer, error) {
	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.ConsumerGroup(groupID),
		kgo.ClientID(clientID),
		kgo.ConsumeTopics(topics...),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()),
		kgo.DisableAutoCommit(),
		kgo.BlockRebalanceOnPoll(),
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	return &Consumer{
		client: client,
		bus:    bus,
		logger: logger,
	}, nil
}

// Start polls for records until the context is cancelled.
func (c *Consumer) Start(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			fetches := c.client.PollFetches(ctx)
			if errs := fetches.Errors(); len(errs) > 0 {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				c.logger.Errorf("errors while polling: %v", errs)
				continue
			}

			var commit []*kgo.Record
			iter := fetches.RecordIter()
			for !iter.Done() {
				record := iter.Next()
				c.handleRecord(ctx, record)
				// Delivery downstream is best-effort by design, so a
				// record is committed once it reached the bus.
				commit = append(commit, record)
			}

			if len(commit) > 0 {
				if err := c.client.CommitRecords(ctx, commit...); err != nil {
					c.logger.WithError(err).Error("failed to commit records")
				}
			}
		}
	}
}

func (c *Consumer) handleRecord(ctx context.Context, record *kgo.Record) {
	var event protocol.ArtifactEvent
	if err := json.Unmarshal(record.Value, &event); err != nil {
		c.logger.WithError(err).WithFields(logging.Fields{
			"topic":     record.Topic,
			"partition": record.Partition,
			"offset":    record.Offset,
		}).Warn("Skipping malformed generation event")
		return
	}
	if event.TopicID == "" {
		c.logger.WithField("topic", record.Topic).Warn("Skipping generation event without topicId")
		return
	}

	c.bus.Publish(ctx, protocol.TopicArtifactGenerated, event)

	c.logger.WithFields(logging.Fields{
		"repository": event.TopicID,
		"offset":     record.Offset,
	}).Debug("Generation event bridged onto bus")
}

// HealthCheck pings the broker
func (c *Consumer) HealthCheck() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.client.Ping(ctx); err != nil {
		return fmt.Errorf("kafka health check failed: %w", err)
	}
	return nil
}

// GetClient exposes the underlying client for health checks.
func (c *Consumer) GetClient() *kgo.Client {
	return c.client
}

// Close closes the underlying client
func (c *Consumer) Close() error {
	c.client.Close()
	return nil
}
