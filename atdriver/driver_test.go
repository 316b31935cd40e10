package atdriver

import (
	"bufio"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/collarcore/radiocore/fabric"
	"github.com/collarcore/radiocore/pool"
	"github.com/collarcore/radiocore/shadow"
	"github.com/collarcore/radiocore/tristate"
)

// fakeModem is the test double standing in for the serial link: one
// side is handed to the Driver, the other lets the test play
// scripted +EVENT lines and assert on outbound AT commands.
type fakeModem struct {
	conn   net.Conn
	reader *bufio.Reader
}

func newFakeModem(t *testing.T) (*Driver, *fakeModem, *shadow.State) {
	t.Helper()
	driverSide, testSide := net.Pipe()
	topic := fabric.NewTopic[fabric.DaEvent]("da_state")
	st := shadow.New(topic)
	st.SetPoweredOn(tristate.KnownTrue)

	p := pool.New(pool.Config{})
	mqttTopic := fabric.NewTopic[fabric.MqttCloudToDevice]("mqtt_cloud_to_device")
	store := NewMemStore()

	cfg := Config{DefaultTimeout: time.Second, SerialNumber: "SN123"}
	d := New(driverSide, st, p, store, mqttTopic, cfg)
	t.Cleanup(func() { d.Close() })

	fm := &fakeModem{conn: testSide, reader: bufio.NewReader(testSide)}
	return d, fm, st
}

func (f *fakeModem) send(line string) {
	f.conn.Write([]byte(line + "\r\n"))
}

func (f *fakeModem) recvLine(t *testing.T) string {
	t.Helper()
	f.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := f.reader.ReadString('\n')
	require.NoError(t, err)
	return line
}

func TestSendAndWaitResolvesOnMatch(t *testing.T) {
	d, fm, _ := newFakeModem(t)

	resultCh := make(chan error, 1)
	go func() {
		okPat, _ := NewPattern("OK", true)
		_, _, err := d.SendAndWait("AT+TEST", []*Pattern{okPat}, time.Second)
		resultCh <- err
	}()

	cmdLine := fm.recvLine(t)
	require.Contains(t, cmdLine, "AT+TEST")
	fm.send("OK")

	select {
	case err := <-resultCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for SendAndWait to resolve")
	}
}

func TestSendAndWaitTimesOutWithNoResponse(t *testing.T) {
	d, fm, _ := newFakeModem(t)

	okPat, _ := NewPattern("OK", true)
	start := make(chan struct{})
	resultCh := make(chan error, 1)
	go func() {
		close(start)
		_, _, err := d.SendAndWait("AT+NOREPLY", []*Pattern{okPat}, 50*time.Millisecond)
		resultCh <- err
	}()
	<-start
	fm.recvLine(t)

	err := <-resultCh
	require.ErrorContains(t, err, "Timeout")
}

func TestDecodeWfjapUpdatesShadow(t *testing.T) {
	_, fm, st := newFakeModem(t)
	fm.send(`+WFJAP:1,'MyHomeNet',192.168.1.42`)

	require.Eventually(t, func() bool {
		return st.ApConnected() == tristate.KnownTrue
	}, time.Second, 10*time.Millisecond)

	name, ip := st.ApInfo()
	require.Equal(t, "MyHomeNet", name)
	require.Equal(t, "192.168.1.42", ip)
}

func TestDecodeRssiUpdatesShadow(t *testing.T) {
	_, fm, st := newFakeModem(t)
	fm.send("+RSSI:-67")

	require.Eventually(t, func() bool {
		return st.Rssi() == -67
	}, time.Second, 10*time.Millisecond)
}

func TestDecodeVersionUpdatesShadow(t *testing.T) {
	_, fm, st := newFakeModem(t)
	fm.send("+VER:3.2.1")

	require.Eventually(t, func() bool {
		return st.Version() == shadow.Version{Major: 3, Minor: 2, Patch: 1}
	}, time.Second, 10*time.Millisecond)
}

func TestDecodeInitDoneResetsAssociationState(t *testing.T) {
	_, fm, st := newFakeModem(t)
	fm.send(`+WFJAP:1,'Net','1.2.3.4'`)
	require.Eventually(t, func() bool { return st.ApConnected() == tristate.KnownTrue }, time.Second, 10*time.Millisecond)

	fm.send("+INIT:DONE,DPM=1")
	require.Eventually(t, func() bool { return st.ApConnected() == tristate.KnownFalse }, time.Second, 10*time.Millisecond)
	require.Equal(t, tristate.KnownTrue, st.DpmMode())
}

func TestNwmqmsgRejectsOverlongDeclaredLength(t *testing.T) {
	d, fm, _ := newFakeModem(t)
	// declared length (99) exceeds the actual payload; must be dropped
	// without allocating a pool buffer.
	fm.send("+NWMQMSG:short,devicetopic,99")
	time.Sleep(50 * time.Millisecond)
	require.EqualValues(t, 0, d.pool.Outstanding())
}

func TestNwmqmsgDeliversValidPayload(t *testing.T) {
	d, fm, _ := newFakeModem(t)
	var got fabric.MqttCloudToDevice
	wq := fabric.NewWorkQueue("test", 4)
	done := make(chan struct{})
	d.mqttTopic.Subscribe(wq, func(m fabric.MqttCloudToDevice) {
		got = m
		close(done)
	})

	fm.send("+NWMQMSG:hello,devicetopic,5")

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("mqtt_cloud_to_device never delivered")
	}
	require.Equal(t, "devicetopic", got.Topic)
	require.Equal(t, []byte("hello"), got.Payload.Data())
	got.Payload.Release()
}

func TestPreconditionCheckRejectsWhenNotPowered(t *testing.T) {
	d, _, st := newFakeModem(t)
	st.SetPoweredOn(tristate.KnownFalse)

	err := d.Send("AT+ANY", time.Second)
	require.ErrorContains(t, err, "NotPowered")
}
