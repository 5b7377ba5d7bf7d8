// Package testkafka provides a fake Kafka broker for tests that need a
// real wire-protocol client talking to something, without a live
// cluster.
package testkafka

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kfake"
)

// CreateCluster starts an in-memory broker with a single topic seeded
// with numPartitions partitions, and registers its shutdown with
// t.Cleanup. It returns the cluster (so tests can install control-key
// intercepts) and the address of its single broker.
func CreateCluster(t testing.TB, numPartitions int32, topic string) (*kfake.Cluster, string) {
	t.Helper()

	cluster, err := kfake.NewCluster(kfake.NumBrokers(1), kfake.SeedTopics(numPartitions, topic))
	require.NoError(t, err)
	t.Cleanup(cluster.Close)

	addrs := cluster.ListenAddrs()
	require.Len(t, addrs, 1)

	return cluster, addrs[0]
}
