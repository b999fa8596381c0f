package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ahmad-affandi08/smart-attendacne-system/internal/metrics"
	"github.com/ahmad-affandi08/smart-attendacne-system/internal/protocol"
)

// Kind is the transport variant behind a Channel.
type Kind int

const (
	KindNone Kind = iota
	KindSerial
	KindNetwork
)

func (k Kind) String() string {
	switch k {
	case KindSerial:
		return "serial"
	case KindNetwork:
		return "network"
	default:
		return "none"
	}
}

func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// ParseKind maps a config value to a Kind.
func ParseKind(s string) Kind {
	switch s {
	case "serial", "usb":
		return KindSerial
	case "network", "wifi", "ws":
		return KindNetwork
	default:
		return KindNone
	}
}

// Status is the lifecycle state of a Channel.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

var (
	// ErrUnavailable means the port or device address could not be opened.
	ErrUnavailable = errors.New("device link unavailable")
	// ErrConnectTimeout means the link did not open within the connect timeout.
	ErrConnectTimeout = errors.New("device link connect timeout")
	// ErrNotConnected is returned by Send while no link is open.
	ErrNotConnected = errors.New("device link not connected")
	// ErrClosed means Disconnect was called while the attempt was in flight.
	ErrClosed = errors.New("device link closed")
)

// Handler receives decoded device events.
type Handler func(protocol.Event)

// StateFunc observes link state changes. err is set when the change was
// caused by a failure.
type StateFunc func(kind Kind, status Status, err error)

// Channel is a bidirectional link to the reader device. Events from one
// Channel reach every subscriber in decode order.
type Channel interface {
	Kind() Kind
	// Connect opens the link to target, returning once it is open or the
	// connect timeout elapsed. Concurrent calls share one attempt; a
	// caller whose ctx ends stops waiting without cancelling it.
	Connect(ctx context.Context, target string) error
	// Disconnect releases the link, aborts an attempt in flight with
	// ErrClosed and cancels pending reconnection. It is safe to call more
	// than once.
	Disconnect()
	// Send writes one command. It fails with ErrNotConnected instead of
	// queueing while the link is down.
	Send(ctx context.Context, cmd protocol.Command) error
	// Subscribe registers h. The returned func is idempotent and may be
	// called from inside a handler.
	Subscribe(h Handler) (unsubscribe func())
	Connected() bool
}

// Options holds the settings shared by both channel variants.
type Options struct {
	Decoder        protocol.Decoder
	ConnectTimeout time.Duration
	OnState        StateFunc
	Now            func() time.Time
}

const defaultConnectTimeout = 5 * time.Second

func (o Options) withDefaults() Options {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = defaultConnectTimeout
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

func (o Options) notify(kind Kind, status Status, err error) {
	if status == StatusConnected {
		metrics.LinkUp.WithLabelValues(kind.String()).Set(1)
	} else {
		metrics.LinkUp.WithLabelValues(kind.String()).Set(0)
	}
	if o.OnState != nil {
		o.OnState(kind, status, err)
	}
}

type subscriber struct {
	id int
	h  Handler
}

// fanout delivers events to subscribers in registration order.
type fanout struct {
	mu     sync.Mutex
	nextID int
	subs   []subscriber
}

func (f *fanout) Subscribe(h Handler) func() {
	f.mu.Lock()
	f.nextID++
	id := f.nextID
	f.subs = append(f.subs, subscriber{id: id, h: h})
	f.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			for i, s := range f.subs {
				if s.id == id {
					f.subs = append(f.subs[:i:i], f.subs[i+1:]...)
					return
				}
			}
		})
	}
}

func (f *fanout) active(id int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.subs {
		if s.id == id {
			return true
		}
	}
	return false
}

func (f *fanout) publish(ev protocol.Event) {
	f.mu.Lock()
	snapshot := make([]subscriber, len(f.subs))
	copy(snapshot, f.subs)
	f.mu.Unlock()

	for _, s := range snapshot {
		// a handler may have unsubscribed another one during this dispatch
		if f.active(s.id) {
			s.h(ev)
		}
	}
}

// dispatch decodes a raw line and publishes the result.
func (f *fanout) dispatch(opts Options, line string) {
	ev, ok := opts.Decoder.Decode(line, opts.Now())
	if !ok {
		metrics.DecodeSkipped.Inc()
		return
	}
	metrics.DeviceEvents.WithLabelValues(ev.Kind().String()).Inc()
	f.publish(ev)
}
