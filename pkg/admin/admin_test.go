package admin_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/grafana/kafkaclient/pkg/admin"
	"github.com/grafana/kafkaclient/pkg/apis"
	"github.com/grafana/kafkaclient/pkg/client"
	"github.com/grafana/kafkaclient/pkg/errs"
	"github.com/grafana/kafkaclient/pkg/kafkatest"
	"github.com/grafana/kafkaclient/pkg/kerr"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var topicID = uuid.MustParse("0e0e0e0e-0000-0000-0000-000000000001")

func newAdminStack(t *testing.T) (*kafkatest.Broker, *admin.Admin) {
	t.Helper()
	broker, err := kafkatest.NewBroker()
	require.NoError(t, err)
	t.Cleanup(broker.Close)
	broker.ServeDefault(kafkatest.TopicSpec{Name: "events", ID: topicID, Partitions: 3})

	cl, err := client.New(client.Config{
		BootstrapBrokers: []string{broker.Addr().Addr()},
		Retries:          2,
		RetryDelay:       5 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(cl.Close)

	return broker, admin.New(cl)
}

func TestListTopics(t *testing.T) {
	_, a := newAdminStack(t)

	topics, err := a.ListTopics(context.Background())
	require.NoError(t, err)
	require.Equal(t, []admin.TopicDetails{{Name: "events", ID: topicID, Partitions: 3}}, topics)
}

func TestCreateTopics(t *testing.T) {
	broker, a := newAdminStack(t)
	broker.Handle(apis.KeyCreateTopics, func(req *kafkatest.Request) []byte {
		return kafkatest.CreateTopicsBody(kafkatest.TopicResult{Name: "new-topic", ID: topicID})
	})

	err := a.CreateTopics(context.Background(), []admin.TopicSpec{{Name: "new-topic", NumPartitions: 3, ReplicationFactor: 1}})
	require.NoError(t, err)
	require.Equal(t, int64(1), broker.Requests(apis.KeyCreateTopics))
}

func TestCreateTopicsAggregatesRejections(t *testing.T) {
	broker, a := newAdminStack(t)
	broker.Handle(apis.KeyCreateTopics, func(req *kafkatest.Request) []byte {
		return kafkatest.CreateTopicsBody(
			kafkatest.TopicResult{Name: "ok"},
			kafkatest.TopicResult{Name: "dup", ErrorCode: kerr.TopicAlreadyExists.Code},
		)
	})

	err := a.CreateTopics(context.Background(), []admin.TopicSpec{{Name: "ok"}, {Name: "dup"}})
	require.Error(t, err)
	require.True(t, errs.HasAnyKind(err, errs.KindResponse))
	require.ErrorIs(t, err, kerr.TopicAlreadyExists)
}

func TestDeleteTopics(t *testing.T) {
	broker, a := newAdminStack(t)
	broker.Handle(apis.KeyDeleteTopics, func(req *kafkatest.Request) []byte {
		return kafkatest.DeleteTopicsBody(kafkatest.TopicResult{Name: "events", ID: topicID})
	})

	require.NoError(t, a.DeleteTopics(context.Background(), []string{"events"}))
}

func TestListGroups(t *testing.T) {
	broker, a := newAdminStack(t)
	broker.Handle(apis.KeyListGroups, func(req *kafkatest.Request) []byte {
		return kafkatest.ListGroupsBody(req.Version,
			kafkatest.ListedGroup{GroupID: "g1", ProtocolType: "consumer", State: "Stable", Type: "classic"},
			kafkatest.ListedGroup{GroupID: "g2", ProtocolType: "consumer", State: "Empty", Type: "classic"},
		)
	})

	groups, err := a.ListGroups(context.Background(), admin.ListGroupsOptions{StatesFilter: []string{"Stable", "Empty"}})
	require.NoError(t, err)
	require.Len(t, groups, 2)
	require.Equal(t, "g1", groups[0].GroupID)
	require.Equal(t, "Stable", groups[0].State)
}

func TestDescribeGroups(t *testing.T) {
	broker, a := newAdminStack(t)
	broker.Handle(apis.KeyFindCoordinator, func(req *kafkatest.Request) []byte {
		return broker.FindCoordinatorBody("g1")
	})
	assignment := (&apis.MemberAssignment{
		Version: 0,
		Topics:  []apis.MemberAssignmentTopic{{Topic: "events", Partitions: []int32{0, 1, 2}}},
	}).Encode()
	broker.Handle(apis.KeyDescribeGroups, func(req *kafkatest.Request) []byte {
		return kafkatest.DescribeGroupsBody(kafkatest.DescribedGroup{
			GroupID:    "g1",
			State:      "Stable",
			MemberID:   "member-1",
			Assignment: assignment,
		})
	})

	groups, err := a.DescribeGroups(context.Background(), []string{"g1"})
	require.NoError(t, err)
	require.Len(t, groups, 1)
	require.Equal(t, "Stable", groups[0].State)
	require.Len(t, groups[0].Members, 1)
	require.Equal(t, map[string][]int32{"events": {0, 1, 2}}, groups[0].Members[0].Assignments)
}

func TestDeleteGroups(t *testing.T) {
	broker, a := newAdminStack(t)
	broker.Handle(apis.KeyFindCoordinator, func(req *kafkatest.Request) []byte {
		return broker.FindCoordinatorBody("doomed")
	})
	broker.Handle(apis.KeyDeleteGroups, func(req *kafkatest.Request) []byte {
		return kafkatest.DeleteGroupsBody(map[string]int16{"doomed": 0})
	})

	require.NoError(t, a.DeleteGroups(context.Background(), []string{"doomed"}))
}

func TestDeleteGroupsSurfacesNonEmpty(t *testing.T) {
	broker, a := newAdminStack(t)
	broker.Handle(apis.KeyFindCoordinator, func(req *kafkatest.Request) []byte {
		return broker.FindCoordinatorBody("busy")
	})
	broker.Handle(apis.KeyDeleteGroups, func(req *kafkatest.Request) []byte {
		return kafkatest.DeleteGroupsBody(map[string]int16{"busy": kerr.NonEmptyGroup.Code})
	})

	err := a.DeleteGroups(context.Background(), []string{"busy"})
	require.Error(t, err)
	require.ErrorIs(t, err, kerr.NonEmptyGroup)
}
