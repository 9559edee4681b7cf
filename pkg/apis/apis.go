// Package apis contains the Kafka request and response message types this
// client speaks, their wire codecs, and the version registry used for
// negotiation against a broker's advertised ApiVersions table.
package apis

import (
	"fmt"

	"github.com/grafana/kafkaclient/pkg/protocol"
)

// API keys.
const (
	KeyProduce         int16 = 0
	KeyFetch           int16 = 1
	KeyListOffsets     int16 = 2
	KeyMetadata        int16 = 3
	KeyOffsetCommit    int16 = 8
	KeyOffsetFetch     int16 = 9
	KeyFindCoordinator int16 = 10
	KeyJoinGroup       int16 = 11
	KeyHeartbeat       int16 = 12
	KeyLeaveGroup      int16 = 13
	KeySyncGroup       int16 = 14
	KeyDescribeGroups  int16 = 15
	KeyListGroups      int16 = 16
	KeyApiVersions     int16 = 18
	KeyCreateTopics    int16 = 19
	KeyDeleteTopics    int16 = 20
	KeyInitProducerID  int16 = 22
	KeyDeleteGroups    int16 = 42
)

// Request is a message the client can issue to a broker. Implementations
// encode themselves at the version previously chosen with SetVersion.
type Request interface {
	// Key returns the protocol api key.
	Key() int16
	// MinVersion and MaxVersion bound the versions this client implements
	// with an identical or conditionally-identical wire layout.
	MinVersion() int16
	MaxVersion() int16
	// SetVersion pins the version used by AppendTo and the paired response.
	SetVersion(int16)
	GetVersion() int16
	// IsFlexible reports whether the pinned version uses compact encodings
	// and tagged fields (KIP-482).
	IsFlexible() bool
	// AppendTo writes the request body (no header) to w.
	AppendTo(w *protocol.Writer)
	// ResponseKind returns an empty response of the paired type, already
	// carrying the request's version.
	ResponseKind() Response
}

// Response is a broker reply body.
type Response interface {
	Key() int16
	SetVersion(int16)
	GetVersion() int16
	// ReadFrom parses the response body (header already consumed).
	ReadFrom(raw []byte) error
}

// FlexibleResponseHeader reports whether the response header for req carries
// tagged fields. ApiVersions responses always use the v0 header so that
// clients can parse the reply of a broker that rejected the version.
func FlexibleResponseHeader(req Request) bool {
	return req.IsFlexible() && req.Key() != KeyApiVersions
}

// version is embedded by every message to carry the pinned version.
type version struct {
	v int16
}

func (x *version) SetVersion(v int16) { x.v = v }
func (x *version) GetVersion() int16  { return x.v }

// VersionRange is one registry entry.
type VersionRange struct {
	Name string
	Min  int16
	Max  int16
}

// Registry enumerates every API this client implements.
var Registry = map[int16]VersionRange{
	KeyProduce:         {Name: "Produce", Min: 9, Max: 11},
	KeyFetch:           {Name: "Fetch", Min: 15, Max: 17},
	KeyListOffsets:     {Name: "ListOffsets", Min: 6, Max: 9},
	KeyMetadata:        {Name: "Metadata", Min: 12, Max: 12},
	KeyOffsetCommit:    {Name: "OffsetCommit", Min: 8, Max: 9},
	KeyOffsetFetch:     {Name: "OffsetFetch", Min: 8, Max: 9},
	KeyFindCoordinator: {Name: "FindCoordinator", Min: 4, Max: 6},
	KeyJoinGroup:       {Name: "JoinGroup", Min: 6, Max: 9},
	KeyHeartbeat:       {Name: "Heartbeat", Min: 4, Max: 4},
	KeyLeaveGroup:      {Name: "LeaveGroup", Min: 4, Max: 5},
	KeySyncGroup:       {Name: "SyncGroup", Min: 4, Max: 5},
	KeyDescribeGroups:  {Name: "DescribeGroups", Min: 5, Max: 5},
	KeyListGroups:      {Name: "ListGroups", Min: 3, Max: 5},
	KeyApiVersions:     {Name: "ApiVersions", Min: 3, Max: 3},
	KeyCreateTopics:    {Name: "CreateTopics", Min: 5, Max: 7},
	KeyDeleteTopics:    {Name: "DeleteTopics", Min: 6, Max: 6},
	KeyInitProducerID:  {Name: "InitProducerID", Min: 3, Max: 5},
	KeyDeleteGroups:    {Name: "DeleteGroups", Min: 2, Max: 2},
}

// NameForKey returns the API name for diagnostics.
func NameForKey(key int16) string {
	if r, ok := Registry[key]; ok {
		return r.Name
	}
	return fmt.Sprintf("Unknown(%d)", key)
}

// ErrUnsupportedAPI is returned when version negotiation finds no overlap
// between the broker's advertised range and the client's implemented range.
type ErrUnsupportedAPI struct {
	Key                  int16
	BrokerMin, BrokerMax int16
}

func (e *ErrUnsupportedAPI) Error() string {
	return fmt.Sprintf("apis: no usable version for %s: client implements %d..%d, broker supports %d..%d",
		NameForKey(e.Key), Registry[e.Key].Min, Registry[e.Key].Max, e.BrokerMin, e.BrokerMax)
}

// ChooseVersion picks the highest version both the client and the broker
// support for req's key.
func ChooseVersion(key int16, brokerMin, brokerMax int16) (int16, error) {
	r, ok := Registry[key]
	if !ok {
		return 0, &ErrUnsupportedAPI{Key: key, BrokerMin: brokerMin, BrokerMax: brokerMax}
	}
	v := r.Max
	if brokerMax < v {
		v = brokerMax
	}
	if v < r.Min || v < brokerMin {
		return 0, &ErrUnsupportedAPI{Key: key, BrokerMin: brokerMin, BrokerMax: brokerMax}
	}
	return v, nil
}

// AppendRequestHeader writes the v2 request header: api key, version,
// correlation id, client id, and the empty tagged-field marker on flexible
// requests. The i32 frame size is written by the connection.
func AppendRequestHeader(w *protocol.Writer, req Request, correlationID int32, clientID *string) {
	w.WriteInt16(req.Key())
	w.WriteInt16(req.GetVersion())
	w.WriteInt32(correlationID)
	// The client id stays non-compact even on flexible versions: ApiVersions
	// is sent before the broker's version support is known.
	w.WriteNullableString(clientID)
	if req.IsFlexible() {
		w.WriteEmptyTaggedFields()
	}
}
