package ingest

import (
	"errors"
	"strings"

	"github.com/twmb/franz-go/pkg/kerr"
)

// kerrFromCode converts a raw Kafka protocol error code into a kerr.Error,
// or nil for code 0.
func kerrFromCode(code int16) error {
	if code == 0 {
		return nil
	}
	return kerr.ErrorForCode(code)
}

// retriableKafkaErrors lists the protocol errors that indicate stale
// broker/partition metadata: the caller's client should refresh its
// metadata cache and may safely retry.
var retriableKafkaErrors = map[error]struct{}{
	kerr.NotLeaderForPartition:   {},
	kerr.ReplicaNotAvailable:     {},
	kerr.UnknownLeaderEpoch:      {},
	kerr.LeaderNotAvailable:      {},
	kerr.BrokerNotAvailable:      {},
	kerr.UnknownTopicOrPartition: {},
	kerr.NetworkException:        {},
	kerr.NotCoordinator:          {},
}

// HandleKafkaError classifies err against the set of known
// metadata-staleness errors. When err matches, refreshMetadata is
// invoked so the caller's client rebuilds its view of partition
// leadership before retrying. It returns whether the caller should
// retry the request at all: metadata-staleness errors are always
// retriable, and so is any error whose message suggests a transient
// broker-connectivity problem, recognized the same way franz-go's own
// retry loop does it (string match on "unknown broker", since some
// transport-level failures don't carry a structured kerr.Error).
func HandleKafkaError(err error, refreshMetadata func()) bool {
	if err == nil {
		return false
	}

	var kerrErr *kerr.Error
	if errors.As(err, &kerrErr) {
		if _, retriable := retriableKafkaErrors[kerrErr]; retriable {
			refreshMetadata()
			return true
		}
		return false
	}

	if strings.Contains(err.Error(), "unknown broker") {
		return true
	}
	return false
}
