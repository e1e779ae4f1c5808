package channel

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"time"

	"go.bug.st/serial"
)

//go:generate go tool mockgen -destination=mock_transport.go -package=channel github.com/chenjiaqi/attentive/channel Transport,Dialer

// Transport is a byte-oriented, full-duplex connection to a modem. A
// Transport is assumed to be already connected and ready for use; typical
// implementations are a serial port, a TCP connection to an emulator, or an
// in-memory fake for tests.
type Transport interface {
	io.Reader
	io.Writer
	io.Closer
	// SetRXEnable gates the receive path on or off. While disabled, Read
	// implementations should avoid blocking indefinitely on new data so
	// the reader goroutine can re-check liveness periodically.
	SetRXEnable(enabled bool) error
}

// Dialer opens a Transport to a modem. It abstracts how the connection is
// created (serial port, test double) and is only needed during Channel
// construction; once a Transport is obtained the Dialer is no longer used.
type Dialer interface {
	Dial(ctx context.Context) (Transport, error)
}

// serialReadTimeout bounds each underlying port read so SetRXEnable and the
// reader goroutine's liveness checks are re-evaluated periodically instead
// of blocking forever inside the OS call.
const serialReadTimeout = 200 * time.Millisecond

// SerialDialer opens a GSM modem over a serial port using go.bug.st/serial.
type SerialDialer struct {
	// PortName is the OS device path (e.g. "/dev/ttyUSB0", "COM3").
	PortName string
	// Mode configures baud rate, parity, data/stop bits. A nil Mode uses
	// 115200 8N1, the common default for cellular modems.
	Mode *serial.Mode
}

// Dial opens the configured serial port and wraps it as a Transport.
func (d SerialDialer) Dial(ctx context.Context) (Transport, error) {
	if ctx == nil {
		return nil, errors.New("channel: context is nil")
	}
	if d.PortName == "" {
		return nil, errors.New("channel: serial port name is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	mode := d.Mode
	if mode == nil {
		mode = &serial.Mode{
			BaudRate: 115200,
			Parity:   serial.NoParity,
			DataBits: 8,
			StopBits: serial.OneStopBit,
		}
	}

	port, err := serial.Open(d.PortName, mode)
	if err != nil {
		return nil, err
	}
	if err := port.SetReadTimeout(serialReadTimeout); err != nil {
		port.Close()
		return nil, err
	}

	t := &serialTransport{port: port}
	t.rxEnabled.Store(true)
	return t, nil
}

// serialTransport adapts a go.bug.st/serial port to Transport, adding the
// RX-gate go.bug.st/serial has no direct equivalent for.
type serialTransport struct {
	port      serial.Port
	rxEnabled atomic.Bool
}

func (t *serialTransport) Read(p []byte) (int, error) {
	if !t.rxEnabled.Load() {
		time.Sleep(serialReadTimeout)
		return 0, nil
	}
	return t.port.Read(p)
}

func (t *serialTransport) Write(p []byte) (int, error) {
	return t.port.Write(p)
}

func (t *serialTransport) Close() error {
	return t.port.Close()
}

func (t *serialTransport) SetRXEnable(enabled bool) error {
	t.rxEnabled.Store(enabled)
	return nil
}
