package cellular

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/collarcore/radiocore/fabric"
)

func TestShadowPublishesOnChangeOnly(t *testing.T) {
	topic := fabric.NewTopic[fabric.LteStatusUpdate]("lte_status_update")
	var received []fabric.LteStatusUpdate
	wq := fabric.NewWorkQueue("test", 8)
	done := make(chan struct{}, 4)
	topic.Subscribe(wq, func(u fabric.LteStatusUpdate) {
		received = append(received, u)
		done <- struct{}{}
	})

	sh := NewShadow(topic)
	sh.Set(fabric.LteConnected, true)
	<-done
	sh.Set(fabric.LteConnected, true) // no-op, must not publish again

	require.Len(t, received, 1)
	require.True(t, received[0].Status.Has(fabric.LteConnected))
	require.Equal(t, fabric.LteConnected, received[0].ChangedMask)
}

func TestFakeModemRequiresPowerForMqtt(t *testing.T) {
	m := NewFakeModem()
	err := m.StartMqtt()
	require.ErrorContains(t, err, "NotPowered")

	require.NoError(t, m.PowerOn())
	require.True(t, m.IsPowered())
	require.NoError(t, m.StartMqtt())
	require.True(t, m.MqttStarted())

	require.NoError(t, m.PowerOff())
	require.False(t, m.IsPowered())
	require.False(t, m.MqttStarted())
}
