package ingest

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
	"github.com/twmb/franz-go/plugin/kotel"
	"github.com/twmb/franz-go/plugin/kprom"
)

// recordVersionHeaderKey marks the wire-format version of a record's
// value so a reader can evolve the payload encoding without breaking
// consumers still running the previous version.
const recordVersionHeaderKey = "v"

// RecordVersionHeader builds the version header for a record. Callers
// attach it themselves; the writer client does not add it.
func RecordVersionHeader(version int) kgo.RecordHeader {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, uint32(version))
	return kgo.RecordHeader{Key: recordVersionHeaderKey, Value: buf}
}

// RecordVersion extracts the version header from rec, returning 0 if it
// is absent or malformed.
func RecordVersion(rec *kgo.Record) int {
	for _, h := range rec.Headers {
		if h.Key != recordVersionHeaderKey || len(h.Value) != 4 {
			continue
		}
		return int(binary.BigEndian.Uint32(h.Value))
	}
	return 0
}

// commonKafkaClientOptions builds the franz-go client options shared by
// every reader and writer this module constructs: broker seeds, client
// ID, timeouts, Prometheus instrumentation, and OpenTelemetry tracing.
func commonKafkaClientOptions(cfg KafkaConfig, metrics *kprom.Metrics, logger log.Logger) []kgo.Opt {
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = uuid.New().String()
	}

	// Produce and fetch spans land on the process-wide tracer provider.
	tracing := kotel.NewKotel(kotel.WithTracer(kotel.NewTracer()))

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Address),
		kgo.DialTimeout(cfg.DialTimeout),
		kgo.ClientID(clientID),
		kgo.WithLogger(newKgoLogger(logger)),
		kgo.WithHooks(metrics),
	}
	return append(opts, kgo.WithHooks(tracing.Hooks()...))
}

// RebalanceCallbacks are invoked synchronously by the consumer group's
// rebalance protocol. Each map is keyed by topic, valued by
// the partitions that changed hands. Assigned/Revoked/Lost on
// pkg/workqueue.Manager have matching semantics; these callbacks exist
// so the caller can first resolve the committed offset and metadata for
// an assigned partition before forwarding to the work manager.
type RebalanceCallbacks struct {
	OnAssigned func(ctx context.Context, cl *kgo.Client, assigned map[string][]int32)
	OnRevoked  func(ctx context.Context, cl *kgo.Client, revoked map[string][]int32)
	OnLost     func(ctx context.Context, cl *kgo.Client, lost map[string][]int32)
}

// NewReaderClient creates a kgo.Client suited to consuming cfg.Topic
// under a consumer group: it instruments fetch metrics, logs through
// logger, and — when cfg.ConsumerGroup is set — joins the group with
// manual offset management (commits are driven entirely by the commit
// planner, never by kgo's auto-commit loop) and the given rebalance
// callbacks wired to the corresponding kgo.OnPartitions* hooks. An
// empty ConsumerGroup yields a bare client with assignment left to the
// caller.
func NewReaderClient(cfg KafkaConfig, cb RebalanceCallbacks, reg kprom.Opt, logger log.Logger) (*kgo.Client, *kprom.Metrics, error) {
	metrics := kprom.NewMetrics("parallelconsumer_kafka_reader", reg)
	opts := commonKafkaClientOptions(cfg, metrics, logger)

	if cfg.ConsumerGroup != "" {
		opts = append(opts,
			kgo.ConsumerGroup(cfg.ConsumerGroup),
			kgo.ConsumeTopics(cfg.Topic),
			kgo.DisableAutoCommit(),
			kgo.ConsumeResetOffset(resetOffsetFor(cfg.ConsumeFromPositionAtStartup)),
		)
		if cb.OnAssigned != nil {
			opts = append(opts, kgo.OnPartitionsAssigned(cb.OnAssigned))
		}
		if cb.OnRevoked != nil {
			opts = append(opts, kgo.OnPartitionsRevoked(cb.OnRevoked))
		}
		if cb.OnLost != nil {
			opts = append(opts, kgo.OnPartitionsLost(cb.OnLost))
		}
	}

	cl, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("creating kafka reader client: %w", err)
	}
	return cl, metrics, nil
}

// resetOffsetFor translates the consume-from-position-at-startup config
// value into the kgo.Offset used when a partition has no committed
// offset yet.
func resetOffsetFor(position string) kgo.Offset {
	switch position {
	case consumeFromStart:
		return kgo.NewOffset().AtStart()
	case consumeFromEnd:
		return kgo.NewOffset().AtEnd()
	default:
		return kgo.NewOffset().AtEnd()
	}
}

// NewWriterClient creates a kgo.Client suited to producing to cfg.Topic.
func NewWriterClient(cfg KafkaConfig, reg kprom.Opt, logger log.Logger) (*kgo.Client, *kprom.Metrics, error) {
	metrics := kprom.NewMetrics("parallelconsumer_kafka_writer", reg)
	opts := commonKafkaClientOptions(cfg, metrics, logger)
	opts = append(opts, kgo.ProducerBatchCompression(kgo.SnappyCompression()))

	cl, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("creating kafka writer client: %w", err)
	}
	return cl, metrics, nil
}

// LeaveConsumerGroupByInstanceID asks the broker to drop instanceID from
// group, used during a graceful shutdown of a statically-assigned
// member so its partitions are freed immediately instead of waiting out
// the session timeout. A call with an empty instanceID is a no-op: only
// static members are registered under one.
func LeaveConsumerGroupByInstanceID(ctx context.Context, cl *kgo.Client, group, instanceID string, logger log.Logger) error {
	if instanceID == "" {
		return nil
	}

	req := kmsg.NewLeaveGroupRequest()
	req.Group = group
	req.Members = []kmsg.LeaveGroupRequestMember{{InstanceID: &instanceID}}

	resp, err := req.RequestWith(ctx, cl)
	if err != nil {
		return fmt.Errorf("sending leave group request: %w", err)
	}
	if err := kerrFromCode(resp.ErrorCode); err != nil {
		level.Warn(logger).Log("msg", "leave group request returned an error", "group", group, "instance_id", instanceID, "err", err)
		return err
	}
	return nil
}

type kgoLogger struct {
	logger log.Logger
}

func newKgoLogger(logger log.Logger) kgoLogger {
	return kgoLogger{logger: logger}
}

func (l kgoLogger) Level() kgo.LogLevel {
	return kgo.LogLevelInfo
}

func (l kgoLogger) Log(lvl kgo.LogLevel, msg string, keyvals ...any) {
	kvs := append([]any{"msg", msg}, keyvals...)
	switch lvl {
	case kgo.LogLevelError:
		level.Error(l.logger).Log(kvs...)
	case kgo.LogLevelWarn:
		level.Warn(l.logger).Log(kvs...)
	case kgo.LogLevelDebug:
		level.Debug(l.logger).Log(kvs...)
	default:
		level.Info(l.logger).Log(kvs...)
	}
}
