package transport

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/singleflight"

	"github.com/ahmad-affandi08/smart-attendacne-system/internal/metrics"
	"github.com/ahmad-affandi08/smart-attendacne-system/internal/protocol"
)

// DefaultDevicePort is the WebSocket port of the reader firmware.
const DefaultDevicePort = "81"

const (
	defaultReconnectDelay = 5 * time.Second
	writeWait             = 5 * time.Second
)

// NetworkOptions configures a Network channel.
type NetworkOptions struct {
	Options
	// ReconnectDelay is the flat delay between reconnection attempts.
	ReconnectDelay time.Duration
	Dialer         *websocket.Dialer
}

// Network is the network-link Channel over a WebSocket to the device.
// After an unexpected close it retries once per ReconnectDelay until it
// reconnects or Disconnect is called.
type Network struct {
	fanout
	opts           Options
	reconnectDelay time.Duration
	dialer         *websocket.Dialer
	sf             singleflight.Group

	afterFunc      func(time.Duration, func()) stopper

	mu              sync.Mutex
	conn            *websocket.Conn
	addr            string
	shouldReconnect bool
	reconnectTimer  stopper
	dialCancel      context.CancelFunc
	gen             int

	writeMu sync.Mutex
}

// NewNetwork builds a network channel. Nothing is dialled until Connect.
func NewNetwork(o NetworkOptions) *Network {
	opts := o.Options.withDefaults()
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = defaultReconnectDelay
	}
	if o.Dialer == nil {
		o.Dialer = &websocket.Dialer{
			Proxy:            nil,
			HandshakeTimeout: opts.ConnectTimeout,
		}
	}
	return &Network{
		opts:           opts,
		reconnectDelay: o.ReconnectDelay,
		dialer:         o.Dialer,
		afterFunc: func(d time.Duration, f func()) stopper {
			return time.AfterFunc(d, f)
		},
	}
}

// stopper is the part of *time.Timer the reconnect schedule uses.
type stopper interface {
	Stop() bool
}

func (n *Network) Kind() Kind { return KindNetwork }

func (n *Network) Connected() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.conn != nil
}

// DeviceURL turns a device address into its WebSocket URL. A bare host
// gets the firmware port.
func DeviceURL(addr string) string {
	addr = strings.TrimSpace(addr)
	if strings.HasPrefix(addr, "ws://") || strings.HasPrefix(addr, "wss://") {
		return addr
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(strings.Trim(addr, "[]"), DefaultDevicePort)
	}
	return "ws://" + addr + "/"
}

// Connect dials the device. A failed attempt schedules one reconnection
// after ReconnectDelay; call Disconnect to stop retrying.
func (n *Network) Connect(ctx context.Context, target string) error {
	if strings.TrimSpace(target) == "" {
		return fmt.Errorf("%w: no device address", ErrUnavailable)
	}
	n.mu.Lock()
	n.addr = target
	n.shouldReconnect = true
	if n.conn != nil {
		n.mu.Unlock()
		return nil
	}
	n.mu.Unlock()

	return n.dialShared(ctx, target)
}

// dialShared joins the attempt in flight or starts one. The attempt is
// bounded by the connect timeout and Disconnect only; ctx bounds how long
// this caller waits for it.
func (n *Network) dialShared(ctx context.Context, target string) error {
	ch := n.sf.DoChan("connect", func() (interface{}, error) {
		return nil, n.dial(target)
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (n *Network) dial(target string) error {
	if n.Connected() {
		return nil
	}
	n.opts.notify(KindNetwork, StatusConnecting, nil)

	ctx, cancel := context.WithTimeout(context.Background(), n.opts.ConnectTimeout)
	defer cancel()
	n.mu.Lock()
	n.dialCancel = cancel
	n.mu.Unlock()
	defer func() {
		n.mu.Lock()
		n.dialCancel = nil
		n.mu.Unlock()
	}()

	url := DeviceURL(target)
	conn, _, err := n.dialer.DialContext(ctx, url, nil)
	if err != nil {
		switch {
		case errors.Is(ctx.Err(), context.Canceled):
			err = ErrClosed
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			err = ErrConnectTimeout
		default:
			err = fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		log.Printf("network connect %s: %v", url, err)
		n.opts.notify(KindNetwork, StatusDisconnected, err)
		n.scheduleReconnect()
		return err
	}

	n.mu.Lock()
	if !n.shouldReconnect {
		// Disconnect won the race
		n.mu.Unlock()
		conn.Close()
		n.opts.notify(KindNetwork, StatusDisconnected, nil)
		return ErrClosed
	}
	n.conn = conn
	n.gen++
	gen := n.gen
	n.mu.Unlock()

	go n.readPump(conn, gen)
	log.Printf("network connected: %s", url)
	n.opts.notify(KindNetwork, StatusConnected, nil)
	return nil
}

func (n *Network) readPump(conn *websocket.Conn, gen int) {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			n.lost(gen, err)
			return
		}
		// socket framing delivers whole lines, but tolerate batched ones
		for _, line := range strings.Split(string(msg), "\n") {
			if !n.current(gen) {
				return
			}
			n.dispatch(n.opts, line)
		}
	}
}

func (n *Network) current(gen int) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.gen == gen && n.conn != nil
}

func (n *Network) lost(gen int, err error) {
	n.mu.Lock()
	if n.gen != gen || n.conn == nil {
		n.mu.Unlock()
		return
	}
	n.conn.Close()
	n.conn = nil
	n.gen++
	n.mu.Unlock()

	log.Printf("network link lost: %v", err)
	n.opts.notify(KindNetwork, StatusDisconnected, err)
	n.scheduleReconnect()
}

// scheduleReconnect arms a single reconnection timer unless one is already
// pending or the caller asked to disconnect.
func (n *Network) scheduleReconnect() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.reconnectTimer != nil || !n.shouldReconnect || n.conn != nil {
		return
	}
	n.reconnectTimer = n.afterFunc(n.reconnectDelay, n.reconnect)
}

func (n *Network) reconnect() {
	n.mu.Lock()
	n.reconnectTimer = nil
	if !n.shouldReconnect || n.conn != nil || n.addr == "" {
		n.mu.Unlock()
		return
	}
	addr := n.addr
	n.mu.Unlock()

	metrics.Reconnects.Inc()
	log.Printf("network reconnecting to %s", addr)
	if err := n.dialShared(context.Background(), addr); err != nil {
		log.Printf("network reconnect failed: %v", err)
	}
}

func (n *Network) Disconnect() {
	n.mu.Lock()
	n.shouldReconnect = false
	if n.dialCancel != nil {
		n.dialCancel()
	}
	if n.reconnectTimer != nil {
		n.reconnectTimer.Stop()
		n.reconnectTimer = nil
	}
	conn := n.conn
	n.conn = nil
	n.gen++
	n.mu.Unlock()

	if conn != nil {
		n.writeMu.Lock()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		n.writeMu.Unlock()
		conn.Close()
		n.opts.notify(KindNetwork, StatusDisconnected, nil)
	}
}

func (n *Network) Send(ctx context.Context, cmd protocol.Command) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	n.mu.Lock()
	conn := n.conn
	n.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	n.writeMu.Lock()
	defer n.writeMu.Unlock()
	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, []byte(cmd.Encode())); err != nil {
		return fmt.Errorf("network write %s: %w", cmd.Name, err)
	}
	return nil
}
