package manager

import (
	"flag"
	"time"

	"github.com/grafana/parallel-consumer/pkg/ingest"
	"github.com/grafana/parallel-consumer/pkg/workqueue"
)

// Config configures a Manager service end to end: the Kafka connection,
// the work manager's ordering and capacity limits, and the consume/commit
// cadence.
type Config struct {
	Kafka ingest.KafkaConfig `yaml:"kafka"`

	Ordering      string `yaml:"ordering"`
	MaxQueue      int    `yaml:"max_queue"`
	MaxBeyondBase int    `yaml:"max_beyond_base"`
	LoadingFactor int    `yaml:"loading_factor"`

	ConsumeCycleDuration time.Duration `yaml:"consume_cycle_duration"`
	CommitInterval       time.Duration `yaml:"commit_interval"`
	InstanceID           string        `yaml:"instance_id"`
}

// RegisterFlagsAndApplyDefaults registers every Config flag under
// prefix and applies non-zero-value defaults.
func (c *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	c.Kafka.RegisterFlagsWithPrefix(prefix+"kafka.", f)

	f.StringVar(&c.Ordering, prefix+"ordering", "partition", "Work ordering mode: unordered, partition, or key.")
	f.IntVar(&c.MaxQueue, prefix+"max-queue", 10000, "Maximum number of containers handed out per take; the poller throttles once queued records exceed max-queue times loading-factor.")
	f.IntVar(&c.MaxBeyondBase, prefix+"max-beyond-base", 50000, "Maximum number of records registered but not yet committed, summed over all partitions, before the poller throttles; also caps containers handed out per take.")
	f.IntVar(&c.LoadingFactor, prefix+"loading-factor", 3, "Multiplier applied to max-queue in the poller throttle check.")
	f.DurationVar(&c.ConsumeCycleDuration, prefix+"consume-cycle-duration", 5*time.Second, "Delay between consume cycles.")
	f.DurationVar(&c.CommitInterval, prefix+"commit-interval", 15*time.Second, "How often to compute and push a commit plan to the broker.")
	f.StringVar(&c.InstanceID, prefix+"instance-id", "", "Instance ID named in a LeaveGroup request on shutdown; empty sends none. The reader client joins the group without it, as a dynamic member.")
}

// Validate validates the Config and its embedded Kafka config.
func (c *Config) Validate() error {
	if err := c.Kafka.Validate(); err != nil {
		return err
	}
	if _, err := c.orderingMode(); err != nil {
		return err
	}
	return nil
}

func (c *Config) orderingMode() (workqueue.OrderingMode, error) {
	switch c.Ordering {
	case "unordered":
		return workqueue.OrderingUnordered, nil
	case "partition", "":
		return workqueue.OrderingPartition, nil
	case "key":
		return workqueue.OrderingKey, nil
	default:
		return 0, errInvalidOrdering
	}
}
