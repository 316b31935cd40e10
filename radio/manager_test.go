package radio

import (
	"bufio"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/collarcore/radiocore/atdriver"
	"github.com/collarcore/radiocore/cellular"
	"github.com/collarcore/radiocore/fabric"
	"github.com/collarcore/radiocore/pool"
	"github.com/collarcore/radiocore/shadow"
	"github.com/collarcore/radiocore/tristate"
)

// autoOKModem answers every outbound AT command with a bare OK, standing
// in for a Wi-Fi modem that never rejects a command. Good enough for
// exercising the Radio Manager's modem-facing calls without re-testing
// the AT driver's own transaction logic.
func autoOKModem(t *testing.T, conn net.Conn) {
	t.Helper()
	go func() {
		r := bufio.NewReader(conn)
		for {
			if _, err := r.ReadString('\n'); err != nil {
				return
			}
			if _, err := conn.Write([]byte("OK\r\n")); err != nil {
				return
			}
		}
	}()
}

func newTestRig(t *testing.T) (*Manager, *shadow.State, *cellular.FakeModem, *cellular.Shadow) {
	t.Helper()
	driverSide, modemSide := net.Pipe()
	autoOKModem(t, modemSide)

	daTopic := fabric.NewTopic[fabric.DaEvent]("da_state")
	wifiShadow := shadow.New(daTopic)
	wifiShadow.SetPoweredOn(tristate.KnownTrue)

	msgPool := pool.New(pool.Config{})
	mqttTopic := fabric.NewTopic[fabric.MqttCloudToDevice]("mqtt_cloud_to_device")
	store := atdriver.NewMemStore()
	wat := atdriver.New(driverSide, wifiShadow, msgPool, store, mqttTopic, atdriver.Config{DefaultTimeout: time.Second})
	t.Cleanup(func() { wat.Close() })

	lte := cellular.NewFakeModem()
	lteTopic := fabric.NewTopic[fabric.LteStatusUpdate]("lte_status_update")
	lteShadow := cellular.NewShadow(lteTopic)

	cfg := Config{StepTimeout: 2 * time.Second, MaxRetries: 2, PollInterval: 5 * time.Millisecond}
	m := New(wifiShadow, wat, lte, lteShadow, daTopic, lteTopic, cfg)
	t.Cleanup(m.Close)

	return m, wifiShadow, lte, lteShadow
}

// TestColdBootAdoptsLteWithNoWifiEver is scenario 1 of the end-to-end
// walkthrough: the device has never associated to Wi-Fi, LTE reports
// connected and mqtt-connected, and the Radio Manager adopts it as the
// active radio on its own.
func TestColdBootAdoptsLteWithNoWifiEver(t *testing.T) {
	m, _, _, lteShadow := newTestRig(t)

	require.Equal(t, fabric.RadioNone, m.GetActiveMqttRadio())

	lteShadow.Set(fabric.LteConnected, true)
	lteShadow.Set(fabric.LteMqttConnected, true)

	require.Eventually(t, func() bool {
		return m.GetActiveMqttRadio() == fabric.RadioLte
	}, 2*time.Second, 10*time.Millisecond)
}

// TestWifiFlapFallsBackToLte is scenario 3: an AP disassociation while
// Wi-Fi is the active radio drives an automatic switch to LTE.
func TestWifiFlapFallsBackToLte(t *testing.T) {
	m, wifiShadow, _, _ := newTestRig(t)

	require.NoError(t, m.SwitchTo(fabric.RadioWifi, false, true))
	require.Equal(t, fabric.RadioWifi, m.GetActiveMqttRadio())

	wifiShadow.SetApConnected(tristate.KnownTrue)
	wifiShadow.SetApConnected(tristate.KnownFalse)

	require.Eventually(t, func() bool {
		return m.GetActiveMqttRadio() == fabric.RadioLte
	}, 2*time.Second, 10*time.Millisecond)
}

// TestPrepareDoneRefcountSleepsOnlyOnLastRelease is scenario 4: two
// prepares followed by two dones should only put Wi-Fi to sleep after
// the second (balancing) done.
func TestPrepareDoneRefcountSleepsOnlyOnLastRelease(t *testing.T) {
	m, wifiShadow, _, _ := newTestRig(t)

	require.NoError(t, m.Prepare(fabric.RadioWifi, false, time.Second))
	require.NoError(t, m.Prepare(fabric.RadioWifi, false, time.Second))

	require.NoError(t, m.Done(fabric.RadioWifi))
	time.Sleep(50 * time.Millisecond)
	require.NotEqual(t, tristate.KnownTrue, wifiShadow.IsSleeping())

	require.NoError(t, m.Done(fabric.RadioWifi))
	require.Eventually(t, func() bool {
		return wifiShadow.IsSleeping() == tristate.KnownTrue
	}, 2*time.Second, 10*time.Millisecond)

	err := m.Done(fabric.RadioWifi)
	require.ErrorContains(t, err, "TooManyReleases")
}

// TestConnectToApShortCircuitsOnIdenticalCredentials is the §8 boundary
// case: a second ConnectToAP with the same SSID/credentials while
// already associated to that SSID must not issue another wire command.
func TestConnectToApShortCircuitsOnIdenticalCredentials(t *testing.T) {
	m, wifiShadow, _, _ := newTestRig(t)

	require.NoError(t, m.ConnectToAP("HomeNet", "secretpw", 1, 0, 1))
	require.Eventually(t, func() bool { return m.lastAP.valid }, time.Second, 10*time.Millisecond)

	wifiShadow.SetApInfo("HomeNet", "10.0.0.5")
	wifiShadow.SetApConnected(tristate.KnownTrue)

	err := m.ConnectToAP("HomeNet", "secretpw", 1, 0, 1)
	require.ErrorContains(t, err, "AlreadyConnected")
}

func TestUSBConnectForcesSleepOverride(t *testing.T) {
	m, _, _, _ := newTestRig(t)

	m.SetUSBPowerState(true)
	m.mu.Lock()
	effective := m.effectiveUseSleepLocked()
	m.mu.Unlock()
	require.False(t, effective)

	m.SetUSBPowerState(false)
	m.mu.Lock()
	effective = m.effectiveUseSleepLocked()
	m.mu.Unlock()
	require.True(t, effective)
}
