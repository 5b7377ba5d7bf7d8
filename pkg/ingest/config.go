// Package ingest wires the work manager to a Kafka-compatible broker:
// configuration, client construction, partition offset discovery, and
// consumer-group lifecycle helpers.
package ingest

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"
)

const (
	consumeFromStart   = "start"
	consumeFromEnd     = "end"
	consumeFromLastOff = "last-offset"
)

var (
	// ErrMissingAddress is returned by Validate when no broker address is
	// configured.
	ErrMissingAddress = errors.New("kafka: address is required")
	// ErrMissingTopic is returned by Validate when no topic is configured.
	ErrMissingTopic = errors.New("kafka: topic is required")
	// ErrInvalidConsumeFrom is returned by Validate for an unrecognized
	// ConsumeFromPositionAtStartup value.
	ErrInvalidConsumeFrom = errors.New("kafka: invalid consume-from-position-at-startup")
)

// KafkaConfig configures the connection to the broker cluster the work
// manager reads from and commits offsets to.
type KafkaConfig struct {
	Address      string        `yaml:"address"`
	Topic        string        `yaml:"topic"`
	ClientID     string        `yaml:"client_id"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`

	ConsumerGroup string `yaml:"consumer_group"`

	ConsumeFromPositionAtStartup string `yaml:"consume_from_position_at_startup"`

	AutoCreateTopicEnabled           bool `yaml:"auto_create_topic_enabled"`
	AutoCreateTopicDefaultPartitions int  `yaml:"auto_create_topic_default_partitions"`

	LastProducedOffsetRetryTimeout time.Duration `yaml:"last_produced_offset_retry_timeout"`
}

// RegisterFlags registers the KafkaConfig flags under prefix.
func (c *KafkaConfig) RegisterFlags(f *flag.FlagSet) {
	c.RegisterFlagsWithPrefix("kafka.", f)
}

// RegisterFlagsWithPrefix registers the KafkaConfig flags under a
// custom prefix.
func (c *KafkaConfig) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	f.StringVar(&c.Address, prefix+"address", "localhost:9092", "The Kafka broker seed address.")
	f.StringVar(&c.Topic, prefix+"topic", "", "The Kafka topic to consume from and commit offsets against.")
	f.StringVar(&c.ClientID, prefix+"client-id", "", "Optional client ID sent to the broker; auto-generated when empty.")
	f.DurationVar(&c.DialTimeout, prefix+"dial-timeout", 10*time.Second, "Timeout for establishing a broker connection.")
	f.DurationVar(&c.WriteTimeout, prefix+"write-timeout", 10*time.Second, "Write request timeout. Accepted in configuration; no client request is bound by it.")
	f.StringVar(&c.ConsumerGroup, prefix+"consumer-group", "", "Consumer group used for partition assignment and offset commits.")
	f.StringVar(&c.ConsumeFromPositionAtStartup, prefix+"consume-from-position-at-startup", consumeFromLastOff,
		"From where to start consuming when a partition has no committed offset: start, end, or last-offset.")
	f.BoolVar(&c.AutoCreateTopicEnabled, prefix+"auto-create-topic-enabled", true, "Create the configured topic on startup if it doesn't exist.")
	f.IntVar(&c.AutoCreateTopicDefaultPartitions, prefix+"auto-create-topic-default-partitions", 1000, "Partition count used when auto-creating the topic.")
	f.DurationVar(&c.LastProducedOffsetRetryTimeout, prefix+"last-produced-offset-retry-timeout", 10*time.Second, "How long to retry fetching the last produced offset for a partition.")
}

// Validate checks the config for obviously invalid values.
func (c *KafkaConfig) Validate() error {
	if c.Address == "" {
		return ErrMissingAddress
	}
	if c.Topic == "" {
		return ErrMissingTopic
	}
	switch c.ConsumeFromPositionAtStartup {
	case consumeFromStart, consumeFromEnd, consumeFromLastOff:
	default:
		return ErrInvalidConsumeFrom
	}
	return nil
}

// EnsureTopicPartitions creates the configured topic with
// AutoCreateTopicDefaultPartitions partitions if it doesn't exist, or
// raises its partition count to that value if it currently has fewer.
// It never lowers a topic's partition count.
func (c *KafkaConfig) EnsureTopicPartitions(logger log.Logger) error {
	cl, err := kgo.NewClient(kgo.SeedBrokers(c.Address))
	if err != nil {
		return fmt.Errorf("creating admin client: %w", err)
	}
	defer cl.Close()

	adm := kadm.NewClient(cl)
	defer adm.Close()

	ctx, cancel := context.WithTimeout(context.Background(), c.DialTimeout)
	defer cancel()

	const defaultReplicationFactor = 1
	desired := int32(c.AutoCreateTopicDefaultPartitions)

	topics, err := adm.ListTopics(ctx, c.Topic)
	if err != nil {
		return fmt.Errorf("listing topics: %w", err)
	}

	td, exists := topics[c.Topic]
	if !exists || td.Err != nil {
		level.Info(logger).Log("msg", "creating topic", "topic", c.Topic, "partitions", desired)
		_, err := adm.CreateTopic(ctx, desired, defaultReplicationFactor, nil, c.Topic)
		if err != nil {
			return fmt.Errorf("creating topic %q: %w", c.Topic, err)
		}
		return nil
	}

	current := int32(len(td.Partitions.Numbers()))
	if current >= desired {
		return nil
	}

	level.Info(logger).Log("msg", "updating topic partition count", "topic", c.Topic, "from", current, "to", desired)
	_, err = adm.CreatePartitions(ctx, int(desired-current), c.Topic)
	if err != nil {
		return fmt.Errorf("updating partitions for topic %q: %w", c.Topic, err)
	}
	return nil
}
