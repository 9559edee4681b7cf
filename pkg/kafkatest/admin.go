package kafkatest

import (
	"github.com/google/uuid"

	"github.com/grafana/kafkaclient/pkg/protocol"
)

// TopicResult is one per-topic outcome in a create/delete response.
type TopicResult struct {
	Name      string
	ID        uuid.UUID
	ErrorCode int16
}

// CreateTopicsBody renders a v7 create-topics response.
func CreateTopicsBody(results ...TopicResult) []byte {
	w := protocol.NewWriter(128)
	w.WriteInt32(0) // throttle
	w.WriteCompactArrayLen(len(results))
	for _, r := range results {
		w.WriteCompactString(r.Name)
		w.WriteUUID(r.ID)
		w.WriteInt16(r.ErrorCode)
		w.WriteCompactNullableString(nil)
		w.WriteInt32(1)           // partitions
		w.WriteInt16(1)           // replication factor
		w.WriteCompactArrayLen(0) // configs
		w.WriteEmptyTaggedFields()
	}
	w.WriteEmptyTaggedFields()
	return w.Bytes()
}

// DeleteTopicsBody renders a v6 delete-topics response.
func DeleteTopicsBody(results ...TopicResult) []byte {
	w := protocol.NewWriter(128)
	w.WriteInt32(0)
	w.WriteCompactArrayLen(len(results))
	for _, r := range results {
		name := r.Name
		w.WriteCompactNullableString(&name)
		w.WriteUUID(r.ID)
		w.WriteInt16(r.ErrorCode)
		w.WriteCompactNullableString(nil)
		w.WriteEmptyTaggedFields()
	}
	w.WriteEmptyTaggedFields()
	return w.Bytes()
}

// ListedGroup is one group in a list-groups response.
type ListedGroup struct {
	GroupID      string
	ProtocolType string
	State        string
	Type         string
}

// ListGroupsBody renders a list-groups response at the request's version.
func ListGroupsBody(version int16, groups ...ListedGroup) []byte {
	w := protocol.NewWriter(128)
	w.WriteInt32(0)
	w.WriteInt16(0)
	w.WriteCompactArrayLen(len(groups))
	for _, g := range groups {
		w.WriteCompactString(g.GroupID)
		w.WriteCompactString(g.ProtocolType)
		if version >= 4 {
			w.WriteCompactString(g.State)
		}
		if version >= 5 {
			w.WriteCompactString(g.Type)
		}
		w.WriteEmptyTaggedFields()
	}
	w.WriteEmptyTaggedFields()
	return w.Bytes()
}

// DescribedGroup is one group in a describe-groups response.
type DescribedGroup struct {
	GroupID    string
	State      string
	MemberID   string
	Assignment []byte
}

// DescribeGroupsBody renders a v5 describe-groups response with one member
// per group.
func DescribeGroupsBody(groups ...DescribedGroup) []byte {
	w := protocol.NewWriter(256)
	w.WriteInt32(0)
	w.WriteCompactArrayLen(len(groups))
	for _, g := range groups {
		w.WriteInt16(0)
		w.WriteCompactString(g.GroupID)
		w.WriteCompactString(g.State)
		w.WriteCompactString("consumer")
		w.WriteCompactString("roundrobin")
		w.WriteCompactArrayLen(1)
		w.WriteCompactString(g.MemberID)
		w.WriteCompactNullableString(nil)
		w.WriteCompactString("client-1")
		w.WriteCompactString("/127.0.0.1")
		w.WriteCompactBytes([]byte{})
		w.WriteCompactBytes(g.Assignment)
		w.WriteEmptyTaggedFields()
		w.WriteInt32(-2147483648)
		w.WriteEmptyTaggedFields()
	}
	w.WriteEmptyTaggedFields()
	return w.Bytes()
}

// DeleteGroupsBody renders a v2 delete-groups response.
func DeleteGroupsBody(results map[string]int16) []byte {
	w := protocol.NewWriter(64)
	w.WriteInt32(0)
	w.WriteCompactArrayLen(len(results))
	for group, code := range results {
		w.WriteCompactString(group)
		w.WriteInt16(code)
		w.WriteEmptyTaggedFields()
	}
	w.WriteEmptyTaggedFields()
	return w.Bytes()
}
