package ingest

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kerr"
)

func TestHandleKafkaError(t *testing.T) {
	t.Run("nil error neither refreshes nor retries", func(t *testing.T) {
		refreshed := false
		assert.False(t, HandleKafkaError(nil, func() { refreshed = true }))
		assert.False(t, refreshed)
	})

	t.Run("metadata staleness errors refresh and retry", func(t *testing.T) {
		for kafkaErr := range retriableKafkaErrors {
			refreshed := false
			require.True(t, HandleKafkaError(kafkaErr, func() { refreshed = true }), "%v must be retriable", kafkaErr)
			require.True(t, refreshed, "%v must trigger a metadata refresh", kafkaErr)
		}
	})

	t.Run("wrapped staleness errors are still classified", func(t *testing.T) {
		refreshed := false
		err := fmt.Errorf("committing offsets: %w", kerr.NotCoordinator)
		require.True(t, HandleKafkaError(err, func() { refreshed = true }))
		assert.True(t, refreshed)
	})

	t.Run("fatal broker errors do neither", func(t *testing.T) {
		for _, kafkaErr := range []error{kerr.InvalidTopicException, kerr.SaslAuthenticationFailed, kerr.GroupAuthorizationFailed} {
			refreshed := false
			require.False(t, HandleKafkaError(kafkaErr, func() { refreshed = true }), "%v must not be retriable", kafkaErr)
			require.False(t, refreshed, "%v must not trigger a metadata refresh", kafkaErr)
		}
	})

	t.Run("transport errors naming an unknown broker retry without refreshing", func(t *testing.T) {
		refreshed := false
		err := errors.New("unable to dial: unknown broker")
		require.True(t, HandleKafkaError(err, func() { refreshed = true }))
		assert.False(t, refreshed)
	})

	t.Run("other plain errors are fatal", func(t *testing.T) {
		refreshed := false
		require.False(t, HandleKafkaError(errors.New("disk full"), func() { refreshed = true }))
		assert.False(t, refreshed)
	})
}
