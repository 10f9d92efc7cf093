package session

import (
	"testing"

	"github.com/stretchr/testify/suite"
	"github.com/uber-go/tally"

	"github.com/capstan-io/capstan/pkg/api"
)

const _fw = api.FrameworkID("framework-1")

// delivery pairs an event with the connection it went to.
type delivery struct {
	connectionID string
	event        *api.SchedulerEvent
}

type fakeTransport struct {
	deliveries []delivery
}

func (f *fakeTransport) Send(connectionID string, event *api.SchedulerEvent) {
	f.deliveries = append(f.deliveries, delivery{connectionID, event})
}

func (f *fakeTransport) types() []api.SchedulerEventType {
	var types []api.SchedulerEventType
	for _, d := range f.deliveries {
		types = append(types, d.event.Type)
	}
	return types
}

type SessionTestSuite struct {
	suite.Suite

	transport *fakeTransport
	registry  Registry
}

func (s *SessionTestSuite) SetupTest() {
	s.transport = &fakeTransport{}
	s.registry = New(s.transport, tally.NoopScope)
}

func TestSessionTestSuite(t *testing.T) {
	suite.Run(t, new(SessionTestSuite))
}

func (s *SessionTestSuite) TestSubscribe() {
	failedOver := s.registry.Subscribe(_fw, "conn-1", "web")
	s.False(failedOver)

	s.Equal([]api.SchedulerEventType{api.EventSubscribed}, s.transport.types())
	s.Equal("conn-1", s.transport.deliveries[0].connectionID)

	sess, ok := s.registry.Get(_fw)
	s.True(ok)
	s.True(sess.Active)
	s.Equal("web", sess.Role)
	s.Equal([]api.FrameworkID{_fw}, s.registry.Active())
}

func (s *SessionTestSuite) TestFailover() {
	s.registry.Subscribe(_fw, "conn-1", "web")
	failedOver := s.registry.Subscribe(_fw, "conn-2", "web")
	s.True(failedOver)

	// The old connection hears ERROR then DISCONNECTED, so it can tell
	// supersession apart from a network drop; the new one gets SUBSCRIBED.
	s.Equal([]api.SchedulerEventType{
		api.EventSubscribed,
		api.EventError,
		api.EventDisconnected,
		api.EventSubscribed,
	}, s.transport.types())
	s.Equal("conn-1", s.transport.deliveries[1].connectionID)
	s.Equal("conn-1", s.transport.deliveries[2].connectionID)
	s.Equal("conn-2", s.transport.deliveries[3].connectionID)

	sess, _ := s.registry.Get(_fw)
	s.Equal("conn-2", sess.ConnectionID)
	s.True(sess.Active)
}

func (s *SessionTestSuite) TestResubscribeSameConnection() {
	s.registry.Subscribe(_fw, "conn-1", "web")
	s.False(s.registry.Subscribe(_fw, "conn-1", "web"))

	// No failover notifications when the connection did not change.
	s.Equal([]api.SchedulerEventType{
		api.EventSubscribed,
		api.EventSubscribed,
	}, s.transport.types())
}

func (s *SessionTestSuite) TestReconnectAfterDisconnect() {
	s.registry.Subscribe(_fw, "conn-1", "web")
	s.True(s.registry.Disconnect(_fw))

	// Reconnecting an inactive session is not a failover.
	s.False(s.registry.Subscribe(_fw, "conn-2", "web"))

	sess, _ := s.registry.Get(_fw)
	s.True(sess.Active)
	s.Equal("conn-2", sess.ConnectionID)
}

func (s *SessionTestSuite) TestDisconnect() {
	s.registry.Subscribe(_fw, "conn-1", "web")
	s.True(s.registry.Disconnect(_fw))

	s.Equal([]api.SchedulerEventType{
		api.EventSubscribed,
		api.EventDisconnected,
	}, s.transport.types())

	sess, ok := s.registry.Get(_fw)
	s.True(ok)
	s.False(sess.Active)
	s.Empty(s.registry.Active())

	// Already inactive.
	s.False(s.registry.Disconnect(_fw))
	s.False(s.registry.Disconnect("never-subscribed"))
}

func (s *SessionTestSuite) TestSend() {
	s.registry.Subscribe(_fw, "conn-1", "web")

	ok := s.registry.Send(_fw, &api.SchedulerEvent{
		Type:        api.EventHeartbeat,
		FrameworkID: _fw,
	})
	s.True(ok)
	s.Equal("conn-1", s.transport.deliveries[1].connectionID)

	s.registry.Disconnect(_fw)
	s.False(s.registry.Send(_fw, &api.SchedulerEvent{
		Type: api.EventHeartbeat,
	}))
	s.False(s.registry.Send("never-subscribed", &api.SchedulerEvent{
		Type: api.EventHeartbeat,
	}))
}

func (s *SessionTestSuite) TestBroadcast() {
	s.registry.Subscribe(_fw, "conn-1", "web")
	s.registry.Subscribe("framework-2", "conn-2", "batch")
	s.registry.Subscribe("framework-3", "conn-3", "batch")
	s.registry.Disconnect("framework-3")
	s.transport.deliveries = nil

	s.registry.Broadcast(api.EventHeartbeat)

	s.Len(s.transport.deliveries, 2)
	for _, d := range s.transport.deliveries {
		s.Equal(api.EventHeartbeat, d.event.Type)
		s.NotEqual("conn-3", d.connectionID)
	}
}

func (s *SessionTestSuite) TestRemove() {
	s.registry.Subscribe(_fw, "conn-1", "web")
	s.registry.Remove(_fw)

	_, ok := s.registry.Get(_fw)
	s.False(ok)
	s.Empty(s.registry.Active())
}

func (s *SessionTestSuite) TestDisconnectAll() {
	s.registry.Subscribe(_fw, "conn-1", "web")
	s.registry.Subscribe("framework-2", "conn-2", "batch")
	s.transport.deliveries = nil

	s.registry.DisconnectAll()

	s.Equal([]api.SchedulerEventType{
		api.EventDisconnected,
		api.EventDisconnected,
	}, s.transport.types())
	s.Empty(s.registry.Active())
}

func (s *SessionTestSuite) TestActiveSorted() {
	s.registry.Subscribe("framework-c", "conn-1", "web")
	s.registry.Subscribe("framework-a", "conn-2", "web")
	s.registry.Subscribe("framework-b", "conn-3", "web")

	s.Equal([]api.FrameworkID{
		"framework-a", "framework-b", "framework-c",
	}, s.registry.Active())
}
