// Package manager ties the work manager (pkg/workqueue), the commit
// planner (pkg/commitplan), and the Kafka client (pkg/ingest) into a
// single dskit service: poll records in, hand them to workers through
// the work manager, and periodically compute and push a commit plan.
package manager

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/backoff"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kprom"

	"github.com/grafana/parallel-consumer/pkg/commitplan"
	"github.com/grafana/parallel-consumer/pkg/ingest"
	"github.com/grafana/parallel-consumer/pkg/offsetcodec"
	"github.com/grafana/parallel-consumer/pkg/workqueue"
)

const serviceName = "parallel-consumer"

// Manager is the top-level service: it owns the Kafka client, the work
// manager, and the commit planner, and drives the poll/register/commit
// cycle from its running loop.
type Manager struct {
	services.Service

	cfg    Config
	logger log.Logger

	kafkaClient *kgo.Client
	kadm        *kadm.Client
	offsets     *ingest.PartitionOffsetClient

	work    *workqueue.Manager
	planner *commitplan.Planner

	metrics *metrics
}

// New constructs a Manager. The returned value's embedded services.Service
// has not been started; call its StartAsync/AwaitRunning (or run it under
// a services.Manager) to begin consuming.
func New(cfg Config, logger log.Logger, reg prometheus.Registerer) (*Manager, error) {
	ordering, err := cfg.orderingMode()
	if err != nil {
		return nil, err
	}

	m := &Manager{
		cfg:     cfg,
		logger:  logger,
		planner: commitplan.NewPlanner(),
		work: workqueue.NewManager(workqueue.Config{
			Ordering:      ordering,
			MaxQueue:      cfg.MaxQueue,
			MaxBeyondBase: cfg.MaxBeyondBase,
			LoadingFactor: cfg.LoadingFactor,
		}),
	}
	m.metrics = newMetrics(reg, func() float64 { return float64(m.work.InFlightCount()) })
	m.work.OnSuccess(func(workqueue.Record) { m.metrics.recordsSucceeded.Inc() })
	m.work.OnFail(func(workqueue.Record) { m.metrics.recordsFailed.Inc() })
	m.Service = services.NewBasicService(m.starting, m.running, m.stopping)
	return m, nil
}

// Work exposes the underlying work manager so callers can Push records
// and TakeWork/Success/Fail them.
func (m *Manager) Work() *workqueue.Manager {
	return m.work
}

func (m *Manager) starting(ctx context.Context) error {
	level.Info(m.logger).Log("msg", "parallel consumer starting")

	if m.cfg.Kafka.AutoCreateTopicEnabled {
		if err := m.cfg.Kafka.EnsureTopicPartitions(m.logger); err != nil {
			return errors.Wrap(err, "ensuring topic partitions")
		}
	}

	cl, _, err := ingest.NewReaderClient(m.cfg.Kafka, ingest.RebalanceCallbacks{
		OnAssigned: m.onPartitionsAssigned,
		OnRevoked:  m.onPartitionsRevoked,
		OnLost:     m.onPartitionsLost,
	}, kprom.Registerer(prometheus.DefaultRegisterer), m.logger)
	if err != nil {
		return errors.Wrap(err, "creating kafka reader client")
	}
	m.kafkaClient = cl

	boff := backoff.New(ctx, backoff.Config{
		MinBackoff: 100 * time.Millisecond,
		MaxBackoff: time.Minute,
		MaxRetries: 10,
	})
	for boff.Ongoing() {
		if err := m.kafkaClient.Ping(ctx); err == nil {
			break
		}
		level.Warn(m.logger).Log("msg", "ping kafka failed, retrying", "err", boff.Err())
		boff.Wait()
	}
	if err := boff.ErrCause(); err != nil {
		return errors.Wrap(err, "pinging kafka")
	}

	m.kadm = kadm.NewClient(m.kafkaClient)
	m.offsets = ingest.NewPartitionOffsetClient(m.kafkaClient, m.cfg.Kafka)

	return nil
}

func (m *Manager) running(ctx context.Context) error {
	consumeTicker := time.NewTicker(m.cfg.ConsumeCycleDuration)
	defer consumeTicker.Stop()
	commitTicker := time.NewTicker(m.cfg.CommitInterval)
	defer commitTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-consumeTicker.C:
			if err := m.consumeCycle(ctx); err != nil {
				level.Error(m.logger).Log("msg", "consume cycle failed", "err", err)
			}
		case <-commitTicker.C:
			if err := m.commitCycle(ctx); err != nil {
				level.Error(m.logger).Log("msg", "commit cycle failed", "err", err)
			}
		}
	}
}

func (m *Manager) stopping(failureCase error) error {
	level.Info(m.logger).Log("msg", "parallel consumer stopping", "err", failureCase)

	if m.kafkaClient != nil {
		if m.cfg.InstanceID != "" {
			leaveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := ingest.LeaveConsumerGroupByInstanceID(leaveCtx, m.kafkaClient, m.cfg.Kafka.ConsumerGroup, m.cfg.InstanceID, m.logger); err != nil {
				level.Warn(m.logger).Log("msg", "failed to leave consumer group", "err", err)
			}
		}
		m.kafkaClient.Close()
	}
	return nil
}

// onPartitionsAssigned is the consumer group's assignment hook: for each
// newly assigned partition it fetches the group's committed offset and
// metadata, decodes the metadata into an incomplete set, and forwards
// both to the work manager so replay suppression is in effect before
// any record for that partition is registered.
func (m *Manager) onPartitionsAssigned(ctx context.Context, _ *kgo.Client, assigned map[string][]int32) {
	fetched, err := m.kadm.FetchOffsetsForTopics(ctx, m.cfg.Kafka.ConsumerGroup, m.cfg.Kafka.Topic)
	if err != nil {
		level.Error(m.logger).Log("msg", "fetching committed offsets on assign", "err", err)
		fetched = make(kadm.OffsetResponses)
	}

	for topic, partitions := range assigned {
		for _, partition := range partitions {
			pk := workqueue.PartitionKey{Topic: topic, Partition: partition}

			base := int64(0)
			var incomplete []int64
			if committed, ok := fetched.Lookup(topic, partition); ok && committed.At >= 0 {
				base = committed.At
				next, decoded, decodeErr := offsetcodec.DecodeMetadata(committed.Metadata, uint64(base))
				if decodeErr != nil {
					// Unreadable metadata is treated as an empty
					// incomplete set, which replays everything not yet
					// committed rather than losing track of it.
					level.Warn(m.logger).Log("msg", "offset metadata decode failed, replaying from bare commit offset",
						"topic", topic, "partition", partition, "err", decodeErr)
				} else {
					_ = next // re-raising HWM happens through normal registration
					for _, o := range decoded {
						incomplete = append(incomplete, int64(o))
					}
				}
			}

			level.Info(m.logger).Log("msg", "partition assigned", "topic", topic, "partition", partition,
				"base_offset", base, "incomplete_count", len(incomplete))
			m.work.Assigned(pk, base, incomplete)
		}
	}
}

// onPartitionsRevoked handles a cooperative rebalance giving up
// ownership of these partitions. Any in-flight container on them is discarded without waiting for its
// worker; later Success/Fail calls against such a container are no-ops.
func (m *Manager) onPartitionsRevoked(_ context.Context, _ *kgo.Client, revoked map[string][]int32) {
	m.forgetPartitions(revoked, false)
}

// onPartitionsLost handles involuntary partition loss: identical in
// effect to revoke, logged at a higher severity since loss usually
// means this instance fell out of the group entirely rather than
// handing partitions off cleanly.
func (m *Manager) onPartitionsLost(_ context.Context, _ *kgo.Client, lost map[string][]int32) {
	m.forgetPartitions(lost, true)
}

func (m *Manager) forgetPartitions(byTopic map[string][]int32, lost bool) {
	for topic, partitions := range byTopic {
		for _, partition := range partitions {
			pk := workqueue.PartitionKey{Topic: topic, Partition: partition}
			if lost {
				level.Error(m.logger).Log("msg", "partition lost", "topic", topic, "partition", partition)
				m.work.Lost(pk)
			} else {
				level.Info(m.logger).Log("msg", "partition revoked", "topic", topic, "partition", partition)
				m.work.Revoked(pk)
			}
		}
	}
}

// consumeCycle polls one batch of fetches, pushes every record into the
// work manager's inbox, and drains the inbox so new work is immediately
// visible to TakeWork. The poller throttles itself against ShouldThrottle
// so a slow worker pool can't be overrun with unbounded memory growth.
func (m *Manager) consumeCycle(ctx context.Context) error {
	start := time.Now()
	defer func() { m.metrics.consumeCycleDuration.Observe(time.Since(start).Seconds()) }()

	if m.work.ShouldThrottle() {
		level.Debug(m.logger).Log("msg", "throttling poll: work manager at capacity")
		return nil
	}

	fetchCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	fetches := m.kafkaClient.PollFetches(fetchCtx)

	fetches.EachError(func(topic string, partition int32, err error) {
		m.metrics.fetchErrors.WithLabelValues(strconv.Itoa(int(partition))).Inc()
		level.Error(m.logger).Log("msg", "fetch error", "topic", topic, "partition", partition, "err", err)
	})

	fetches.EachRecord(func(rec *kgo.Record) {
		m.work.Push(workqueue.Record{
			Topic:     rec.Topic,
			Partition: rec.Partition,
			Offset:    rec.Offset,
			Key:       rec.Key,
		})
	})

	registered := m.work.DrainAndRegister(time.Now())
	if registered > 0 {
		m.metrics.recordsRegistered.Add(float64(registered))
	}
	return nil
}

// commitCycle computes a commit plan from the work manager's current
// state and pushes it to the broker via kadm, pruning committed entries
// from the work manager on success.
func (m *Manager) commitCycle(ctx context.Context) error {
	if !m.work.Dirty() {
		return nil
	}
	start := time.Now()
	defer func() { m.metrics.commitPlanDuration.Observe(time.Since(start).Seconds()) }()

	plan := m.planner.Plan(m.work, false)
	if len(plan) == 0 {
		return nil
	}

	offsets := make(kadm.Offsets)
	for pk, po := range plan {
		offsets.Add(kadm.Offset{
			Topic:     pk.Topic,
			Partition: pk.Partition,
			At:        po.Offset,
			Metadata:  po.Metadata,
		})
		m.metrics.committedOffset.WithLabelValues(strconv.Itoa(int(pk.Partition))).Set(float64(po.Offset))
	}

	resp, err := m.kadm.CommitOffsets(ctx, m.cfg.Kafka.ConsumerGroup, offsets)
	if err != nil {
		return fmt.Errorf("committing offsets: %w", err)
	}
	if err := resp.Error(); err != nil {
		return fmt.Errorf("broker rejected offset commit: %w", err)
	}

	for pk, po := range plan {
		m.work.RemoveUpTo(pk, po.Offset-1)
	}
	m.work.ClearDirty()

	m.updatePartitionLag(ctx, plan)
	return nil
}

// updatePartitionLag reports, per partition, how far the log end is
// ahead of the just-committed offset. Best-effort: a failure here never
// fails the commit itself, it only leaves the gauge stale.
func (m *Manager) updatePartitionLag(ctx context.Context, plan map[workqueue.PartitionKey]commitplan.PartitionOffset) {
	partitions := make([]int32, 0, len(plan))
	for pk := range plan {
		partitions = append(partitions, pk.Partition)
	}

	ends, err := m.offsets.FetchPartitionsLastProducedOffsets(ctx, partitions)
	if err != nil {
		level.Warn(m.logger).Log("msg", "fetching last produced offsets for lag metric failed", "err", err)
		return
	}

	for pk, po := range plan {
		byPartition, ok := ends[pk.Topic]
		if !ok {
			continue
		}
		end, ok := byPartition[pk.Partition]
		if !ok {
			continue
		}
		lag := end.Offset - po.Offset
		if lag < 0 {
			lag = 0
		}
		m.metrics.partitionLag.WithLabelValues(strconv.Itoa(int(pk.Partition))).Set(float64(lag))
	}
}
