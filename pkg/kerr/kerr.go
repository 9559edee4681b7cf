// Package kerr maps Kafka protocol error codes to typed errors carrying the
// classification the retry and group layers act on.
package kerr

import (
	"errors"
	"fmt"
)

// Error is a broker-returned protocol error code.
type Error struct {
	Code    int16
	Name    string
	Message string

	// Retriable mirrors the upstream protocol table: the condition is
	// transient and the same request may succeed if repeated.
	Retriable bool

	// StaleMetadata marks the three codes that mean the client's cached
	// cluster view no longer matches reality.
	StaleMetadata bool

	// NeedsRejoin marks group errors that invalidate the current
	// membership and require a fresh JoinGroup round.
	NeedsRejoin bool
}

func (e *Error) Error() string {
	return fmt.Sprintf("kafka error %d (%s): %s", e.Code, e.Name, e.Message)
}

// Typed checks used by the group state machine.

// IsUnknownMemberID reports whether err is UNKNOWN_MEMBER_ID.
func IsUnknownMemberID(err error) bool { return hasCode(err, 25) }

// IsRebalanceInProgress reports whether err is REBALANCE_IN_PROGRESS.
func IsRebalanceInProgress(err error) bool { return hasCode(err, 27) }

// IsMemberIDRequired reports whether err is MEMBER_ID_REQUIRED.
func IsMemberIDRequired(err error) bool { return hasCode(err, 79) }

func hasCode(err error, code int16) bool {
	var ke *Error
	return errors.As(err, &ke) && ke.Code == code
}

// IsRetriable reports whether err is a retriable protocol error.
func IsRetriable(err error) bool {
	var ke *Error
	return errors.As(err, &ke) && ke.Retriable
}

// HasStaleMetadata reports whether err signals a stale metadata cache.
func HasStaleMetadata(err error) bool {
	var ke *Error
	return errors.As(err, &ke) && ke.StaleMetadata
}

// NeedsRejoin reports whether err invalidates the group membership.
func NeedsRejoin(err error) bool {
	var ke *Error
	return errors.As(err, &ke) && ke.NeedsRejoin
}

// ErrorForCode returns the typed error for a protocol error code, nil for 0,
// and a generic unknown-code error for codes missing from the table.
func ErrorForCode(code int16) error {
	if code == 0 {
		return nil
	}
	if err, ok := byCode[code]; ok {
		return err
	}
	return &Error{Code: code, Name: "UNKNOWN_SERVER_ERROR", Message: "unrecognized broker error code"}
}

var (
	UnknownServerError               = &Error{Code: -1, Name: "UNKNOWN_SERVER_ERROR", Message: "the server experienced an unexpected error when processing the request"}
	OffsetOutOfRange                 = &Error{Code: 1, Name: "OFFSET_OUT_OF_RANGE", Message: "the requested offset is not within the range of offsets maintained by the server"}
	CorruptMessage                   = &Error{Code: 2, Name: "CORRUPT_MESSAGE", Message: "this message has failed its crc checksum, exceeds the valid size, or is otherwise corrupt", Retriable: true}
	UnknownTopicOrPartition          = &Error{Code: 3, Name: "UNKNOWN_TOPIC_OR_PARTITION", Message: "this server does not host this topic-partition", Retriable: true, StaleMetadata: true}
	InvalidFetchSize                 = &Error{Code: 4, Name: "INVALID_FETCH_SIZE", Message: "the requested fetch size is invalid"}
	LeaderNotAvailable               = &Error{Code: 5, Name: "LEADER_NOT_AVAILABLE", Message: "there is no leader for this topic-partition as we are in the middle of a leadership election", Retriable: true, StaleMetadata: true}
	NotLeaderOrFollower              = &Error{Code: 6, Name: "NOT_LEADER_OR_FOLLOWER", Message: "this broker is not the leader or follower for that topic-partition", Retriable: true, StaleMetadata: true}
	RequestTimedOut                  = &Error{Code: 7, Name: "REQUEST_TIMED_OUT", Message: "the request timed out", Retriable: true}
	BrokerNotAvailable               = &Error{Code: 8, Name: "BROKER_NOT_AVAILABLE", Message: "the broker is not available"}
	ReplicaNotAvailable              = &Error{Code: 9, Name: "REPLICA_NOT_AVAILABLE", Message: "the replica is not available for the requested topic-partition", Retriable: true}
	MessageTooLarge                  = &Error{Code: 10, Name: "MESSAGE_TOO_LARGE", Message: "the request included a message larger than the max message size the server will accept"}
	StaleControllerEpoch             = &Error{Code: 11, Name: "STALE_CONTROLLER_EPOCH", Message: "the controller moved to another broker"}
	OffsetMetadataTooLarge           = &Error{Code: 12, Name: "OFFSET_METADATA_TOO_LARGE", Message: "the metadata field of the offset request was too large"}
	NetworkException                 = &Error{Code: 13, Name: "NETWORK_EXCEPTION", Message: "the server disconnected before a response was received", Retriable: true}
	CoordinatorLoadInProgress        = &Error{Code: 14, Name: "COORDINATOR_LOAD_IN_PROGRESS", Message: "the coordinator is loading and hence cannot process requests", Retriable: true}
	CoordinatorNotAvailable          = &Error{Code: 15, Name: "COORDINATOR_NOT_AVAILABLE", Message: "the coordinator is not available", Retriable: true}
	NotCoordinator                   = &Error{Code: 16, Name: "NOT_COORDINATOR", Message: "this is not the correct coordinator", Retriable: true}
	InvalidTopicException            = &Error{Code: 17, Name: "INVALID_TOPIC_EXCEPTION", Message: "the request attempted to perform an operation on an invalid topic"}
	RecordListTooLarge               = &Error{Code: 18, Name: "RECORD_LIST_TOO_LARGE", Message: "the request included message batch larger than the configured segment size on the server"}
	NotEnoughReplicas                = &Error{Code: 19, Name: "NOT_ENOUGH_REPLICAS", Message: "messages are rejected since there are fewer in-sync replicas than required", Retriable: true}
	NotEnoughReplicasAfterAppend     = &Error{Code: 20, Name: "NOT_ENOUGH_REPLICAS_AFTER_APPEND", Message: "messages are written to the log, but to fewer in-sync replicas than required", Retriable: true}
	InvalidRequiredAcks              = &Error{Code: 21, Name: "INVALID_REQUIRED_ACKS", Message: "produce request specified an invalid value for required acks"}
	IllegalGeneration                = &Error{Code: 22, Name: "ILLEGAL_GENERATION", Message: "specified group generation id is not valid", NeedsRejoin: true}
	InconsistentGroupProtocol        = &Error{Code: 23, Name: "INCONSISTENT_GROUP_PROTOCOL", Message: "the group member's supported protocols are incompatible with those of existing members"}
	InvalidGroupID                   = &Error{Code: 24, Name: "INVALID_GROUP_ID", Message: "the configured group id is invalid"}
	UnknownMemberID                  = &Error{Code: 25, Name: "UNKNOWN_MEMBER_ID", Message: "the coordinator is not aware of this member", NeedsRejoin: true}
	InvalidSessionTimeout            = &Error{Code: 26, Name: "INVALID_SESSION_TIMEOUT", Message: "the session timeout is not within the range allowed by the broker"}
	RebalanceInProgress              = &Error{Code: 27, Name: "REBALANCE_IN_PROGRESS", Message: "the group is rebalancing, so a rejoin is needed", NeedsRejoin: true}
	InvalidCommitOffsetSize          = &Error{Code: 28, Name: "INVALID_COMMIT_OFFSET_SIZE", Message: "the committing offset data size is not valid"}
	TopicAuthorizationFailed         = &Error{Code: 29, Name: "TOPIC_AUTHORIZATION_FAILED", Message: "topic authorization failed"}
	GroupAuthorizationFailed         = &Error{Code: 30, Name: "GROUP_AUTHORIZATION_FAILED", Message: "group authorization failed"}
	ClusterAuthorizationFailed       = &Error{Code: 31, Name: "CLUSTER_AUTHORIZATION_FAILED", Message: "cluster authorization failed"}
	InvalidTimestamp                 = &Error{Code: 32, Name: "INVALID_TIMESTAMP", Message: "the timestamp of the message is out of acceptable range"}
	UnsupportedSaslMechanism         = &Error{Code: 33, Name: "UNSUPPORTED_SASL_MECHANISM", Message: "the broker does not support the requested sasl mechanism"}
	IllegalSaslState                 = &Error{Code: 34, Name: "ILLEGAL_SASL_STATE", Message: "request is not valid given the current sasl state"}
	UnsupportedVersion               = &Error{Code: 35, Name: "UNSUPPORTED_VERSION", Message: "the version of api is not supported"}
	TopicAlreadyExists               = &Error{Code: 36, Name: "TOPIC_ALREADY_EXISTS", Message: "topic with this name already exists"}
	InvalidPartitions                = &Error{Code: 37, Name: "INVALID_PARTITIONS", Message: "number of partitions is below 1"}
	InvalidReplicationFactor         = &Error{Code: 38, Name: "INVALID_REPLICATION_FACTOR", Message: "replication factor is below 1 or larger than the number of available brokers"}
	InvalidReplicaAssignment         = &Error{Code: 39, Name: "INVALID_REPLICA_ASSIGNMENT", Message: "replica assignment is invalid"}
	InvalidConfig                    = &Error{Code: 40, Name: "INVALID_CONFIG", Message: "configuration is invalid"}
	NotController                    = &Error{Code: 41, Name: "NOT_CONTROLLER", Message: "this is not the correct controller for this cluster", Retriable: true}
	InvalidRequest                   = &Error{Code: 42, Name: "INVALID_REQUEST", Message: "this most likely occurs because of a request being malformed by the client library"}
	UnsupportedForMessageFormat      = &Error{Code: 43, Name: "UNSUPPORTED_FOR_MESSAGE_FORMAT", Message: "the message format version on the broker does not support the request"}
	PolicyViolation                  = &Error{Code: 44, Name: "POLICY_VIOLATION", Message: "request parameters do not satisfy the configured policy"}
	OutOfOrderSequenceNumber         = &Error{Code: 45, Name: "OUT_OF_ORDER_SEQUENCE_NUMBER", Message: "the broker received an out of order sequence number"}
	DuplicateSequenceNumber          = &Error{Code: 46, Name: "DUPLICATE_SEQUENCE_NUMBER", Message: "the broker received a duplicate sequence number"}
	InvalidProducerEpoch             = &Error{Code: 47, Name: "INVALID_PRODUCER_EPOCH", Message: "producer attempted to produce with an old epoch"}
	InvalidTxnState                  = &Error{Code: 48, Name: "INVALID_TXN_STATE", Message: "the producer attempted a transactional operation in an invalid state"}
	InvalidProducerIDMapping         = &Error{Code: 49, Name: "INVALID_PRODUCER_ID_MAPPING", Message: "the producer attempted to use a producer id which is not currently assigned to its transactional id"}
	InvalidTransactionTimeout        = &Error{Code: 50, Name: "INVALID_TRANSACTION_TIMEOUT", Message: "the transaction timeout is larger than the maximum value allowed"}
	ConcurrentTransactions           = &Error{Code: 51, Name: "CONCURRENT_TRANSACTIONS", Message: "the producer attempted to update a transaction while another concurrent operation on the same transaction was ongoing", Retriable: true}
	GroupIDNotFound                  = &Error{Code: 69, Name: "GROUP_ID_NOT_FOUND", Message: "the group id does not exist"}
	FetchSessionIDNotFound           = &Error{Code: 70, Name: "FETCH_SESSION_ID_NOT_FOUND", Message: "the fetch session id was not found", Retriable: true}
	InvalidFetchSessionEpoch         = &Error{Code: 71, Name: "INVALID_FETCH_SESSION_EPOCH", Message: "the fetch session epoch is invalid", Retriable: true}
	UnknownLeaderEpoch               = &Error{Code: 75, Name: "UNKNOWN_LEADER_EPOCH", Message: "the leader epoch in the request is newer than the epoch on the broker", Retriable: true}
	UnsupportedCompressionType       = &Error{Code: 76, Name: "UNSUPPORTED_COMPRESSION_TYPE", Message: "the requesting client does not support the compression type of given partition"}
	MemberIDRequired                 = &Error{Code: 79, Name: "MEMBER_ID_REQUIRED", Message: "the group member needs to have a valid member id before actually entering a consumer group", NeedsRejoin: true}
	PreferredLeaderNotAvailable      = &Error{Code: 80, Name: "PREFERRED_LEADER_NOT_AVAILABLE", Message: "the preferred leader was not available", Retriable: true}
	GroupMaxSizeReached              = &Error{Code: 81, Name: "GROUP_MAX_SIZE_REACHED", Message: "the consumer group has reached its max size"}
	FencedInstanceID                 = &Error{Code: 82, Name: "FENCED_INSTANCE_ID", Message: "the broker rejected this static consumer since another consumer with the same group.instance.id has registered with a different member.id"}
	EligibleLeadersNotAvailable = &Error{Code: 83, Name: "ELIGIBLE_LEADERS_NOT_AVAILABLE", Message: "eligible topic partition leaders are not available", Retriable: true}
	ElectionNotNeeded           = &Error{Code: 84, Name: "ELECTION_NOT_NEEDED", Message: "leader election not needed for topic partition", Retriable: true}
	InvalidRecord               = &Error{Code: 87, Name: "INVALID_RECORD", Message: "this record has failed the validation on broker and hence will be rejected"}
	UnstableOffsetCommit        = &Error{Code: 88, Name: "UNSTABLE_OFFSET_COMMIT", Message: "there are unstable offsets that need to be cleared", Retriable: true}
	ThrottlingQuotaExceeded     = &Error{Code: 89, Name: "THROTTLING_QUOTA_EXCEEDED", Message: "the throttling quota has been exceeded", Retriable: true}
	ProducerFenced              = &Error{Code: 90, Name: "PRODUCER_FENCED", Message: "there is a newer producer with the same transactional id which fences the current one"}
	ResourceNotFound            = &Error{Code: 91, Name: "RESOURCE_NOT_FOUND", Message: "a request illegally referred to a resource that does not exist"}
	UnknownTopicID              = &Error{Code: 100, Name: "UNKNOWN_TOPIC_ID", Message: "this server does not host this topic id", Retriable: true}
	OffsetNotAvailable          = &Error{Code: 78, Name: "OFFSET_NOT_AVAILABLE", Message: "the leader high watermark has not caught up from a recent leader election so the offsets cannot be guaranteed to be monotonically increasing", Retriable: true}
	KafkaStorageError           = &Error{Code: 56, Name: "KAFKA_STORAGE_ERROR", Message: "disk error when trying to access log file on the disk", Retriable: true}
	FencedLeaderEpoch           = &Error{Code: 74, Name: "FENCED_LEADER_EPOCH", Message: "the leader epoch in the request is older than the epoch on the broker", Retriable: true}
	ListenerNotFound            = &Error{Code: 72, Name: "LISTENER_NOT_FOUND", Message: "there is no listener on the leader broker that matches the listener on which metadata request was processed", Retriable: true}
	TopicDeletionDisabled       = &Error{Code: 73, Name: "TOPIC_DELETION_DISABLED", Message: "topic deletion is disabled"}
	NonEmptyGroup               = &Error{Code: 68, Name: "NON_EMPTY_GROUP", Message: "the group is not empty"}
)

var byCode = map[int16]*Error{}

func init() {
	for _, e := range []*Error{
		UnknownServerError, OffsetOutOfRange, CorruptMessage, UnknownTopicOrPartition,
		InvalidFetchSize, LeaderNotAvailable, NotLeaderOrFollower, RequestTimedOut,
		BrokerNotAvailable, ReplicaNotAvailable, MessageTooLarge, StaleControllerEpoch,
		OffsetMetadataTooLarge, NetworkException, CoordinatorLoadInProgress,
		CoordinatorNotAvailable, NotCoordinator, InvalidTopicException,
		RecordListTooLarge, NotEnoughReplicas, NotEnoughReplicasAfterAppend,
		InvalidRequiredAcks, IllegalGeneration, InconsistentGroupProtocol,
		InvalidGroupID, UnknownMemberID, InvalidSessionTimeout, RebalanceInProgress,
		InvalidCommitOffsetSize, TopicAuthorizationFailed, GroupAuthorizationFailed,
		ClusterAuthorizationFailed, InvalidTimestamp, UnsupportedSaslMechanism,
		IllegalSaslState, UnsupportedVersion, TopicAlreadyExists, InvalidPartitions,
		InvalidReplicationFactor, InvalidReplicaAssignment, InvalidConfig,
		NotController, InvalidRequest, UnsupportedForMessageFormat, PolicyViolation,
		OutOfOrderSequenceNumber, DuplicateSequenceNumber, InvalidProducerEpoch,
		InvalidTxnState, InvalidProducerIDMapping, InvalidTransactionTimeout,
		ConcurrentTransactions, NonEmptyGroup, GroupIDNotFound,
		FetchSessionIDNotFound, InvalidFetchSessionEpoch, ListenerNotFound,
		TopicDeletionDisabled, FencedLeaderEpoch, UnknownLeaderEpoch,
		UnsupportedCompressionType, MemberIDRequired, PreferredLeaderNotAvailable,
		GroupMaxSizeReached, FencedInstanceID, EligibleLeadersNotAvailable,
		ElectionNotNeeded, InvalidRecord, UnstableOffsetCommit,
		ThrottlingQuotaExceeded, OffsetNotAvailable, KafkaStorageError,
		ProducerFenced, ResourceNotFound, UnknownTopicID,
	} {
		byCode[e.Code] = e
	}
}
