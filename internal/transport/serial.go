package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.bug.st/serial"
)

const (
	defaultSerialReadTimeout = 300 * time.Millisecond
	serialSettleDelay        = 150 * time.Millisecond
)

// SerialTransport owns the physical serial handle. The reader task uses
// the input half, the writer task the output half; nobody else touches
// the port.
type SerialTransport struct {
	portName string
	baudRate int

	mu      sync.Mutex
	port    serial.Port
	writeMu sync.Mutex
}

func NewSerialTransport(portName string, baudRate int) *SerialTransport {
	return &SerialTransport{
		portName: portName,
		baudRate: baudRate,
	}
}

func (t *SerialTransport) Name() string {
	return "serial"
}

func (t *SerialTransport) PortName() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.portName
}

func (t *SerialTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.port != nil
}

func (t *SerialTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.port != nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if t.portName == "" {
		return errors.New("serial port is empty")
	}
	if t.baudRate <= 0 {
		return fmt.Errorf("invalid serial baud rate: %d", t.baudRate)
	}

	logger := transportLogger("serial", "port", t.portName, "baud", t.baudRate)
	logger.Info("opening serial port")

	port, err := serial.Open(t.portName, &serial.Mode{
		BaudRate: t.baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return fmt.Errorf("open serial port %q: %w", t.portName, err)
	}
	if err := port.SetReadTimeout(defaultSerialReadTimeout); err != nil {
		_ = port.Close()
		return fmt.Errorf("set serial read timeout: %w", err)
	}

	// Toggle DTR/RTS to wake ESP32-based boards, give the adapter a
	// moment to settle, then drop whatever boot chatter is pending.
	_ = port.SetDTR(true)
	_ = port.SetRTS(true)
	time.Sleep(serialSettleDelay)
	if err := port.ResetInputBuffer(); err != nil {
		logger.Debug("purge input buffer failed", "error", err)
	}

	t.port = port

	return nil
}

func (t *SerialTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.port == nil {
		return nil
	}
	err := t.port.Close()
	t.port = nil
	return err
}

func (t *SerialTransport) Read(ctx context.Context, buf []byte) (int, error) {
	port, err := t.currentPort()
	if err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	n, err := port.Read(buf)
	if err != nil {
		return n, fmt.Errorf("serial read: %w", err)
	}

	return n, nil
}

func (t *SerialTransport) Write(ctx context.Context, buf []byte) error {
	port, err := t.currentPort()
	if err != nil {
		return err
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if err := writeFull(ctx, port, buf); err != nil {
		return fmt.Errorf("serial write: %w", err)
	}
	if err := port.Drain(); err != nil {
		return fmt.Errorf("serial drain: %w", err)
	}

	return nil
}

func (t *SerialTransport) currentPort() (serial.Port, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.port == nil {
		return nil, errors.New("transport is not connected")
	}
	return t.port, nil
}

func writeFull(ctx context.Context, w io.Writer, buf []byte) error {
	written := 0
	for written < len(buf) {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := w.Write(buf[written:])
		if err != nil {
			return err
		}
		if n == 0 {
			continue
		}
		written += n
	}
	return nil
}
