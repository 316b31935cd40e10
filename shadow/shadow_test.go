package shadow

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/collarcore/radiocore/fabric"
	"github.com/collarcore/radiocore/tristate"
)

func newTestState(t *testing.T) (*State, *fabric.WorkQueue, chan fabric.DaEvent) {
	t.Helper()
	topic := fabric.NewTopic[fabric.DaEvent]("da_state")
	wq := fabric.NewWorkQueue("test", 256)
	events := make(chan fabric.DaEvent, 256)
	var mu sync.Mutex
	topic.Subscribe(wq, func(e fabric.DaEvent) {
		mu.Lock()
		defer mu.Unlock()
		events <- e
	})
	t.Cleanup(wq.Stop)
	return New(topic), wq, events
}

func drain(t *testing.T, events chan fabric.DaEvent, n int) []fabric.DaEvent {
	t.Helper()
	out := make([]fabric.DaEvent, 0, n)
	for i := 0; i < n; i++ {
		select {
		case e := <-events:
			out = append(out, e)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d/%d", i+1, n)
		}
	}
	return out
}

func TestEveryMutationPublishesWithOldNeqNew(t *testing.T) {
	s, _, events := newTestState(t)
	s.SetInitialized(tristate.KnownTrue)
	e := drain(t, events, 1)[0]
	require.Equal(t, FieldInitialized, e.Field)
	require.NotEqual(t, e.Old, e.New)

	// repeating the same value publishes nothing (I1: only real
	// transitions produce events)
	s.SetInitialized(tristate.KnownTrue)
	select {
	case <-events:
		t.Fatal("unexpected event for a no-op mutation")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPoweringDownResetsDependents(t *testing.T) {
	s, _, events := newTestState(t)
	s.SetPoweredOn(tristate.KnownTrue)
	s.SetApConnected(tristate.KnownTrue)
	s.SetMqttEnabled(tristate.KnownTrue)
	ok := s.SetMqttBrokerConnected(tristate.KnownTrue)
	require.True(t, ok)
	drain(t, events, 4)

	s.SetPoweredOn(tristate.KnownFalse)
	// consume every event fired by the power-down cascade
drainLoop:
	for {
		select {
		case <-events:
		case <-time.After(100 * time.Millisecond):
			break drainLoop
		}
	}
	require.Equal(t, tristate.KnownFalse, s.ApConnected())
	require.Equal(t, tristate.KnownFalse, s.MqttBrokerConnected())
	require.Equal(t, RssiNotConnected, s.Rssi())
}

func TestBrokerConnectedRequiresPreconditions(t *testing.T) {
	s, _, _ := newTestState(t)
	ok := s.SetMqttBrokerConnected(tristate.KnownTrue)
	require.False(t, ok, "I3 should reject broker-connected without ap/mqtt/power preconditions")
	require.Equal(t, tristate.Unknown, s.MqttBrokerConnected())

	s.SetPoweredOn(tristate.KnownTrue)
	s.SetApConnected(tristate.KnownTrue)
	s.SetMqttEnabled(tristate.KnownTrue)
	ok = s.SetMqttBrokerConnected(tristate.KnownTrue)
	require.True(t, ok)
	require.Equal(t, tristate.KnownTrue, s.MqttBrokerConnected())
}

func TestSubtopicRoundTrip(t *testing.T) {
	s, _, _ := newTestState(t)
	topics := []string{"device/123/cmd", "device/123/ota", "device/123/cfg"}
	s.SetMqttSubTopics(topics)
	require.Equal(t, topics, s.MqttSubTopics())
}

func TestDpmRoundTrip(t *testing.T) {
	s, _, _ := newTestState(t)
	s.SetDpmMode(tristate.KnownTrue)
	s.SetIsSleeping(tristate.KnownTrue)
	s.SetDpmMode(tristate.KnownFalse)
	s.SetIsSleeping(tristate.KnownFalse)
	require.Equal(t, tristate.KnownFalse, s.DpmMode())
	require.Equal(t, tristate.KnownFalse, s.IsSleeping())
}
