package transport

import (
	"bufio"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahmad-affandi08/smart-attendacne-system/internal/protocol"
)

// fakePort is one end of an in-memory serial link.
type fakePort struct {
	toHost    *io.PipeReader
	fromHost  *io.PipeWriter
	closeOnce sync.Once
	closed    chan struct{}
}

func (p *fakePort) Read(b []byte) (int, error)  { return p.toHost.Read(b) }
func (p *fakePort) Write(b []byte) (int, error) { return p.fromHost.Write(b) }
func (p *fakePort) Close() error {
	p.closeOnce.Do(func() {
		p.toHost.Close()
		p.fromHost.Close()
		close(p.closed)
	})
	return nil
}

// fakeDevice is the firmware side of a fakePort.
type fakeDevice struct {
	port     *fakePort
	out      *io.PipeWriter
	commands chan string
}

func newFakeDevice() *fakeDevice {
	hostR, devW := io.Pipe()
	devR, hostW := io.Pipe()
	d := &fakeDevice{
		port:     &fakePort{toHost: hostR, fromHost: hostW, closed: make(chan struct{})},
		out:      devW,
		commands: make(chan string, 16),
	}
	go func() {
		sc := bufio.NewScanner(devR)
		for sc.Scan() {
			d.commands <- sc.Text()
		}
	}()
	return d
}

func (d *fakeDevice) write(t *testing.T, s string) {
	t.Helper()
	_, err := io.WriteString(d.out, s)
	require.NoError(t, err)
}

func (d *fakeDevice) opener() PortOpener {
	return func(name string, baud int) (io.ReadWriteCloser, error) {
		return d.port, nil
	}
}

func nextCommand(t *testing.T, d *fakeDevice) string {
	t.Helper()
	select {
	case c := <-d.commands:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("device received no command")
		return ""
	}
}

type eventLog struct {
	mu     sync.Mutex
	events []protocol.Event
	signal chan struct{}
}

func newEventLog() *eventLog { return &eventLog{signal: make(chan struct{}, 64)} }

func (l *eventLog) handle(ev protocol.Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
	l.signal <- struct{}{}
}

func (l *eventLog) wait(t *testing.T, n int) []protocol.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		l.mu.Lock()
		if len(l.events) >= n {
			out := append([]protocol.Event(nil), l.events...)
			l.mu.Unlock()
			return out
		}
		l.mu.Unlock()
		select {
		case <-l.signal:
		case <-deadline:
			t.Fatalf("waited for %d events", n)
		}
	}
}

func TestSerialBootstrapAndDecode(t *testing.T) {
	dev := newFakeDevice()
	s := NewSerial(SerialOptions{Open: dev.opener(), BootstrapDelay: 10 * time.Millisecond})
	defer s.Disconnect()

	events := newEventLog()
	s.Subscribe(events.handle)

	require.NoError(t, s.Connect(context.Background(), "/dev/ttyUSB0"))
	assert.True(t, s.Connected())
	assert.Equal(t, "STATUS", nextCommand(t, dev))
	assert.Equal(t, "LIST_Mahasiswa", nextCommand(t, dev))

	// a line split across reads, a junk line and a trailing partial line
	dev.write(t, "RFID_SCAN: ab")
	dev.write(t, "12cd \r\nnoise\nWEB_Mahasiswa:Jane Doe,3A,12345,ABCDEF\nWEB_OK:par")
	got := events.wait(t, 2)
	require.Len(t, got, 2)
	assert.Equal(t, protocol.CardID("AB12CD"), got[0].(protocol.CardScanned).UID)
	assert.Equal(t, "Jane Doe", got[1].(protocol.StudentListItem).Student.Name)

	dev.write(t, "tial\n")
	got = events.wait(t, 3)
	assert.Equal(t, "partial", got[2].(protocol.Info).Message)
}

func TestSerialSendWhileDisconnected(t *testing.T) {
	s := NewSerial(SerialOptions{Open: newFakeDevice().opener()})
	err := s.Send(context.Background(), protocol.Cmd(protocol.CmdScan))
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestSerialConnectErrors(t *testing.T) {
	s := NewSerial(SerialOptions{})
	assert.ErrorIs(t, s.Connect(context.Background(), ""), ErrUnavailable)

	failing := NewSerial(SerialOptions{Open: func(string, int) (io.ReadWriteCloser, error) {
		return nil, errors.New("permission denied")
	}})
	assert.ErrorIs(t, failing.Connect(context.Background(), "/dev/ttyUSB0"), ErrUnavailable)
	assert.False(t, failing.Connected())
}

func TestSerialConnectTimeoutReleasesLatePort(t *testing.T) {
	dev := newFakeDevice()
	release := make(chan struct{})
	s := NewSerial(SerialOptions{
		Options: Options{ConnectTimeout: 20 * time.Millisecond},
		Open: func(string, int) (io.ReadWriteCloser, error) {
			<-release
			return dev.port, nil
		},
	})

	err := s.Connect(context.Background(), "/dev/ttyUSB0")
	assert.ErrorIs(t, err, ErrConnectTimeout)
	assert.False(t, s.Connected())

	close(release)
	select {
	case <-dev.port.closed:
	case <-time.After(time.Second):
		t.Fatal("late port was not closed")
	}
}

func TestSerialSubscribeUnsubscribe(t *testing.T) {
	dev := newFakeDevice()
	s := NewSerial(SerialOptions{Open: dev.opener(), BootstrapDelay: time.Hour})
	defer s.Disconnect()
	require.NoError(t, s.Connect(context.Background(), "/dev/ttyUSB0"))
	nextCommand(t, dev)

	first := newEventLog()
	var unsubFirst func()
	unsubFirst = s.Subscribe(func(ev protocol.Event) {
		first.handle(ev)
		unsubFirst() // from inside the callback
		unsubFirst() // and again
	})
	late := newEventLog()
	s.Subscribe(late.handle)

	dev.write(t, "RFID_SCAN:01\nRFID_SCAN:02\nRFID_SCAN:03\n")
	got := late.wait(t, 3)
	assert.Equal(t, []protocol.CardID{"01", "02", "03"}, []protocol.CardID{
		got[0].(protocol.CardScanned).UID,
		got[1].(protocol.CardScanned).UID,
		got[2].(protocol.CardScanned).UID,
	})

	first.mu.Lock()
	assert.Len(t, first.events, 1)
	first.mu.Unlock()
}

func TestSerialLinkLost(t *testing.T) {
	dev := newFakeDevice()
	states := make(chan Status, 8)
	s := NewSerial(SerialOptions{
		Options:        Options{OnState: func(_ Kind, st Status, _ error) { states <- st }},
		Open:           dev.opener(),
		BootstrapDelay: time.Hour,
	})
	require.NoError(t, s.Connect(context.Background(), "/dev/ttyUSB0"))
	nextCommand(t, dev)
	assert.Equal(t, StatusConnecting, <-states)
	assert.Equal(t, StatusConnected, <-states)

	dev.out.CloseWithError(errors.New("unplugged"))
	select {
	case st := <-states:
		assert.Equal(t, StatusDisconnected, st)
	case <-time.After(2 * time.Second):
		t.Fatal("link loss not reported")
	}
	assert.False(t, s.Connected())
	s.Disconnect()
}

func TestSerialDisconnectAbortsPendingOpen(t *testing.T) {
	dev := newFakeDevice()
	entered := make(chan struct{})
	release := make(chan struct{})
	s := NewSerial(SerialOptions{
		BootstrapDelay: 10 * time.Millisecond,
		Open: func(string, int) (io.ReadWriteCloser, error) {
			close(entered)
			<-release
			return dev.port, nil
		},
	})

	errc := make(chan error, 1)
	go func() { errc <- s.Connect(context.Background(), "/dev/ttyUSB0") }()
	<-entered
	s.Disconnect()

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("Connect kept waiting after Disconnect")
	}

	close(release)
	select {
	case <-dev.port.closed:
	case <-time.After(time.Second):
		t.Fatal("port opened after Disconnect was not closed")
	}
	assert.False(t, s.Connected())
	select {
	case c := <-dev.commands:
		t.Fatalf("device got %q after Disconnect", c)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSerialPortReadyAfterDisconnectIsClosed(t *testing.T) {
	dev := newFakeDevice()
	var s *Serial
	s = NewSerial(SerialOptions{
		Open: func(string, int) (io.ReadWriteCloser, error) {
			// the caller gives up just as the port becomes ready
			s.Disconnect()
			return dev.port, nil
		},
	})

	assert.ErrorIs(t, s.Connect(context.Background(), "/dev/ttyUSB0"), ErrClosed)
	select {
	case <-dev.port.closed:
	case <-time.After(time.Second):
		t.Fatal("port was left open")
	}
	assert.False(t, s.Connected())
}

func TestSerialCallerCancelLeavesSharedAttempt(t *testing.T) {
	dev := newFakeDevice()
	entered := make(chan struct{})
	release := make(chan struct{})
	s := NewSerial(SerialOptions{
		BootstrapDelay: time.Hour,
		Open: func(string, int) (io.ReadWriteCloser, error) {
			close(entered)
			<-release
			return dev.port, nil
		},
	})
	defer s.Disconnect()

	impatient, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() { first <- s.Connect(impatient, "/dev/ttyUSB0") }()
	<-entered

	second := make(chan error, 1)
	go func() { second <- s.Connect(context.Background(), "/dev/ttyUSB0") }()

	cancel()
	select {
	case err := <-first:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("cancelled caller kept waiting")
	}

	close(release)
	select {
	case err := <-second:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("second caller got no result")
	}
	assert.True(t, s.Connected())
	assert.Equal(t, "STATUS", nextCommand(t, dev))
}
