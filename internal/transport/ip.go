package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

// DefaultIPPort is the Meshtastic TCP API port.
const DefaultIPPort = 4403

const ipReadTimeout = 300 * time.Millisecond

// IPTransport carries the same framed byte stream over a TCP socket,
// for nodes reachable over WiFi instead of USB.
type IPTransport struct {
	host string
	port int

	mu      sync.Mutex
	conn    net.Conn
	writeMu sync.Mutex
}

func NewIPTransport(host string, port int) *IPTransport {
	if port == 0 {
		port = DefaultIPPort
	}

	return &IPTransport{host: host, port: port}
}

func (t *IPTransport) Name() string {
	return "ip"
}

func (t *IPTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.conn != nil
}

func (t *IPTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		return nil
	}
	if t.host == "" {
		return errors.New("ip host is empty")
	}

	target := net.JoinHostPort(t.host, fmt.Sprintf("%d", t.port))
	logger := transportLogger("ip", "target", target)
	logger.Info("connecting")

	dialer := net.Dialer{Timeout: 6 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", target)
	if err != nil {
		return fmt.Errorf("dial %s: %w", target, err)
	}
	t.conn = conn

	return nil
}

func (t *IPTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	return err
}

func (t *IPTransport) Read(ctx context.Context, buf []byte) (int, error) {
	conn, err := t.currentConn()
	if err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	if err := conn.SetReadDeadline(time.Now().Add(ipReadTimeout)); err != nil {
		return 0, fmt.Errorf("set read deadline: %w", err)
	}
	n, err := conn.Read(buf)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			// Timed out with nothing pending; same contract as serial.
			return n, nil
		}
		return n, fmt.Errorf("tcp read: %w", err)
	}

	return n, nil
}

func (t *IPTransport) Write(ctx context.Context, buf []byte) error {
	conn, err := t.currentConn()
	if err != nil {
		return err
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if err := writeFull(ctx, conn, buf); err != nil {
		return fmt.Errorf("tcp write: %w", err)
	}

	return nil
}

func (t *IPTransport) currentConn() (net.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil, errors.New("transport is not connected")
	}
	return t.conn, nil
}
