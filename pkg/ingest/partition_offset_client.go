package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/grafana/dskit/backoff"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
)

// listOffsetsLatestTimestamp asks the broker for the partition's log end
// offset rather than an offset bound by wall-clock time.
const listOffsetsLatestTimestamp = -1

// PartitionOffsetClient fetches partition metadata (end offsets today,
// start offsets if a future caller needs them) for a single topic,
// retrying transient broker errors with a bounded backoff.
type PartitionOffsetClient struct {
	client *kgo.Client
	topic  string

	retryTimeout time.Duration
}

// NewPartitionOffsetClient returns a client for cfg.Topic using cl,
// retrying transient errors for up to cfg.LastProducedOffsetRetryTimeout.
func NewPartitionOffsetClient(cl *kgo.Client, cfg KafkaConfig) *PartitionOffsetClient {
	timeout := cfg.LastProducedOffsetRetryTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &PartitionOffsetClient{client: cl, topic: cfg.Topic, retryTimeout: timeout}
}

// FetchPartitionsLastProducedOffsets returns, for each requested
// partition, the number of records produced to it so far (the log end
// offset). A partition with no data yet reports 0.
func (c *PartitionOffsetClient) FetchPartitionsLastProducedOffsets(ctx context.Context, partitionIDs []int32) (kadm.ListedOffsets, error) {
	boff := backoff.New(ctx, backoff.Config{
		MinBackoff: 100 * time.Millisecond,
		MaxBackoff: time.Second,
		MaxRetries: 0,
	})

	deadline := time.Now().Add(c.retryTimeout)
	var lastErr error
	for boff.Ongoing() && time.Now().Before(deadline) {
		offsets, err := c.fetchOnce(ctx, partitionIDs)
		if err == nil {
			return offsets, nil
		}
		lastErr = err
		if !HandleKafkaError(err, func() { c.client.ForceMetadataRefresh() }) {
			return nil, err
		}
		boff.Wait()
	}
	if lastErr == nil {
		lastErr = context.DeadlineExceeded
	}
	return nil, fmt.Errorf("fetching last produced offsets: %w", lastErr)
}

func (c *PartitionOffsetClient) fetchOnce(ctx context.Context, partitionIDs []int32) (kadm.ListedOffsets, error) {
	req := kmsg.NewListOffsetsRequest()
	req.ReplicaID = -1
	topicReq := kmsg.NewListOffsetsRequestTopic()
	topicReq.Topic = c.topic
	for _, p := range partitionIDs {
		partReq := kmsg.NewListOffsetsRequestTopicPartition()
		partReq.Partition = p
		partReq.Timestamp = listOffsetsLatestTimestamp
		topicReq.Partitions = append(topicReq.Partitions, partReq)
	}
	req.Topics = []kmsg.ListOffsetsRequestTopic{topicReq}

	resp, err := req.RequestWith(ctx, c.client)
	if err != nil {
		return nil, fmt.Errorf("sending list offsets request: %w", err)
	}

	if len(resp.Topics) != 1 {
		return nil, fmt.Errorf("unexpected number of topics in the response (expected 1, got %d)", len(resp.Topics))
	}
	if resp.Topics[0].Topic != c.topic {
		return nil, fmt.Errorf("unexpected topic in the response (expected %q, got %q)", c.topic, resp.Topics[0].Topic)
	}

	out := kadm.ListedOffsets{c.topic: make(map[int32]kadm.ListedOffset, len(partitionIDs))}
	for _, p := range resp.Topics[0].Partitions {
		if err := kerrFromCode(p.ErrorCode); err != nil {
			return nil, err
		}
		out[c.topic][p.Partition] = kadm.ListedOffset{
			Topic:     c.topic,
			Partition: p.Partition,
			Offset:    p.Offset,
		}
	}
	return out, nil
}
