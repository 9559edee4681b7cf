package kerr

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrorForCode(t *testing.T) {
	require.NoError(t, ErrorForCode(0))

	err := ErrorForCode(6)
	require.Error(t, err)
	require.Same(t, NotLeaderOrFollower, err)

	unknown := ErrorForCode(32000)
	require.Error(t, unknown)
	require.Contains(t, unknown.Error(), "32000")
}

func TestClassification(t *testing.T) {
	for _, e := range []*Error{UnknownTopicOrPartition, LeaderNotAvailable, NotLeaderOrFollower} {
		require.True(t, HasStaleMetadata(e), e.Name)
		require.True(t, IsRetriable(e), e.Name)
	}

	require.False(t, HasStaleMetadata(RequestTimedOut))
	require.True(t, IsRetriable(RequestTimedOut))
	require.False(t, IsRetriable(InvalidRequiredAcks))

	for _, e := range []*Error{UnknownMemberID, RebalanceInProgress, IllegalGeneration, MemberIDRequired} {
		require.True(t, NeedsRejoin(e), e.Name)
	}
	require.False(t, NeedsRejoin(NotCoordinator))
}

func TestClassificationThroughWrapping(t *testing.T) {
	wrapped := fmt.Errorf("committing offsets: %w", RebalanceInProgress)
	require.True(t, NeedsRejoin(wrapped))
	require.True(t, IsRebalanceInProgress(wrapped))
	require.False(t, IsUnknownMemberID(wrapped))

	require.True(t, IsUnknownMemberID(fmt.Errorf("leaving: %w", UnknownMemberID)))
	require.True(t, IsMemberIDRequired(fmt.Errorf("join: %w", MemberIDRequired)))
}

func TestFatalProducerCodes(t *testing.T) {
	// Idempotence violations must not be retried by the engine.
	require.False(t, IsRetriable(OutOfOrderSequenceNumber))
	require.False(t, IsRetriable(DuplicateSequenceNumber))
	require.False(t, IsRetriable(InvalidProducerEpoch))
}
