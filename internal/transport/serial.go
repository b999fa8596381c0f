package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/tarm/serial"
	"golang.org/x/sync/singleflight"

	"github.com/ahmad-affandi08/smart-attendacne-system/internal/protocol"
)

// DefaultBaud is the line rate of the reader firmware.
const DefaultBaud = 115200

const (
	defaultBootstrapDelay = 500 * time.Millisecond
	// maxLineBuffer bounds the accumulation buffer when the device sends
	// garbage without newlines.
	maxLineBuffer = 4096
	idlePoll      = 20 * time.Millisecond
)

// PortOpener opens a raw byte stream to a locally attached device.
type PortOpener func(name string, baud int) (io.ReadWriteCloser, error)

// OpenSerialPort opens name in raw mode at baud with no flow control.
// Reads time out after a second so the read loop can observe Disconnect.
func OpenSerialPort(name string, baud int) (io.ReadWriteCloser, error) {
	port, err := serial.OpenPort(&serial.Config{
		Name:        name,
		Baud:        baud,
		ReadTimeout: time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("open serial %s: %w", name, err)
	}
	return port, nil
}

// SerialOptions configures a Serial channel.
type SerialOptions struct {
	Options
	Baud           int
	BootstrapDelay time.Duration
	Open           PortOpener
}

// Serial is the local-link Channel over a serial port.
type Serial struct {
	fanout
	opts           Options
	baud           int
	bootstrapDelay time.Duration
	open           PortOpener
	sf             singleflight.Group

	mu         sync.Mutex
	port       io.ReadWriteCloser
	target     string
	gen        int
	bootstrap  *time.Timer
	wantOpen   bool
	openCancel context.CancelFunc

	writeMu sync.Mutex
}

// NewSerial builds a serial channel. The port is opened on Connect.
func NewSerial(o SerialOptions) *Serial {
	if o.Baud <= 0 {
		o.Baud = DefaultBaud
	}
	if o.BootstrapDelay <= 0 {
		o.BootstrapDelay = defaultBootstrapDelay
	}
	if o.Open == nil {
		o.Open = OpenSerialPort
	}
	return &Serial{
		opts:           o.Options.withDefaults(),
		baud:           o.Baud,
		bootstrapDelay: o.BootstrapDelay,
		open:           o.Open,
	}
}

func (s *Serial) Kind() Kind { return KindSerial }

func (s *Serial) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port != nil
}

// Connect opens the port and primes the device with STATUS, then after the
// bootstrap delay LIST_Mahasiswa. The firmware handles one command at a
// time, hence the delay. Concurrent calls share one attempt; ctx only
// bounds how long this caller waits for it.
func (s *Serial) Connect(ctx context.Context, target string) error {
	if target == "" {
		return fmt.Errorf("%w: no serial port selected", ErrUnavailable)
	}
	s.mu.Lock()
	s.wantOpen = true
	open := s.port != nil
	s.mu.Unlock()
	if open {
		return nil
	}
	ch := s.sf.DoChan("connect", func() (interface{}, error) {
		return nil, s.connect(target)
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type openResult struct {
	port io.ReadWriteCloser
	err  error
}

func (s *Serial) connect(target string) error {
	if s.Connected() {
		return nil
	}
	s.opts.notify(KindSerial, StatusConnecting, nil)

	ctx, cancel := context.WithTimeout(context.Background(), s.opts.ConnectTimeout)
	defer cancel()
	s.mu.Lock()
	s.openCancel = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.openCancel = nil
		s.mu.Unlock()
	}()

	done := make(chan openResult, 1)
	go func() {
		p, err := s.open(target, s.baud)
		done <- openResult{port: p, err: err}
	}()

	var res openResult
	select {
	case res = <-done:
	case <-ctx.Done():
		// the open may still complete; release it then
		go func() {
			if late := <-done; late.port != nil {
				late.port.Close()
			}
		}()
		err := ErrConnectTimeout
		if errors.Is(ctx.Err(), context.Canceled) {
			err = ErrClosed
		}
		s.opts.notify(KindSerial, StatusDisconnected, err)
		return err
	}
	if res.err != nil {
		err := fmt.Errorf("%w: %v", ErrUnavailable, res.err)
		s.opts.notify(KindSerial, StatusDisconnected, err)
		return err
	}

	s.mu.Lock()
	if !s.wantOpen {
		// Disconnect was called while the port was opening
		s.mu.Unlock()
		res.port.Close()
		s.opts.notify(KindSerial, StatusDisconnected, nil)
		return ErrClosed
	}
	s.port = res.port
	s.target = target
	s.gen++
	gen := s.gen
	s.mu.Unlock()

	go s.readLoop(res.port, gen)
	log.Printf("serial connected: %s @ %d", target, s.baud)
	s.opts.notify(KindSerial, StatusConnected, nil)

	if err := s.Send(ctx, protocol.Cmd(protocol.CmdStatus)); err != nil {
		log.Printf("serial bootstrap %s: %v", protocol.CmdStatus, err)
	}
	s.mu.Lock()
	if s.gen == gen {
		s.bootstrap = time.AfterFunc(s.bootstrapDelay, func() {
			if err := s.Send(context.Background(), protocol.Cmd(protocol.CmdListStudents)); err != nil {
				log.Printf("serial bootstrap %s: %v", protocol.CmdListStudents, err)
			}
		})
	}
	s.mu.Unlock()
	return nil
}

func (s *Serial) readLoop(port io.Reader, gen int) {
	chunk := make([]byte, 256)
	var buf []byte
	for {
		n, err := port.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			for {
				i := bytes.IndexByte(buf, '\n')
				if i < 0 {
					break
				}
				line := string(buf[:i])
				buf = buf[i+1:]
				if !s.current(gen) {
					return
				}
				s.dispatch(s.opts, line)
			}
			if len(buf) > maxLineBuffer {
				log.Printf("serial: dropping %d bytes without newline", len(buf))
				buf = nil
			}
		}
		if !s.current(gen) {
			return
		}
		if err == nil {
			continue
		}
		if errors.Is(err, io.EOF) && n == 0 {
			// read timeout on an idle port
			time.Sleep(idlePoll)
			continue
		}
		s.lost(gen, err)
		return
	}
}

func (s *Serial) current(gen int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen == gen && s.port != nil
}

func (s *Serial) lost(gen int, err error) {
	s.mu.Lock()
	if s.gen != gen || s.port == nil {
		s.mu.Unlock()
		return
	}
	s.release()
	s.mu.Unlock()
	log.Printf("serial link lost: %v", err)
	s.opts.notify(KindSerial, StatusDisconnected, err)
}

// release must be called with s.mu held.
func (s *Serial) release() {
	s.gen++
	if s.bootstrap != nil {
		s.bootstrap.Stop()
		s.bootstrap = nil
	}
	if s.port != nil {
		s.port.Close()
		s.port = nil
	}
}

func (s *Serial) Disconnect() {
	s.mu.Lock()
	s.wantOpen = false
	if s.openCancel != nil {
		s.openCancel()
	}
	was := s.port != nil
	s.release()
	s.mu.Unlock()
	if was {
		s.opts.notify(KindSerial, StatusDisconnected, nil)
	}
}

func (s *Serial) Send(ctx context.Context, cmd protocol.Command) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	port := s.port
	s.mu.Unlock()
	if port == nil {
		return ErrNotConnected
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := io.WriteString(port, cmd.Line()); err != nil {
		return fmt.Errorf("serial write %s: %w", cmd.Name, err)
	}
	return nil
}
