package esp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"slices"
	"time"

	"go.bug.st/serial"
)

//go:generate mockgen -destination=mock_transport.go -package=esp . Transport,Dialer

// Transport represents an established, bidirectional byte stream to an ESP
// module.
//
// Read must not block for long: when nothing is available it returns
// (0, nil) after at most a short read timeout. The response scanner relies
// on this to keep checking its deadline. Typical implementations include
// serial ports, TCP bridges to a UART, or in-memory fakes used for testing.
type Transport interface {
	io.ReadWriteCloser
}

// Dialer opens a Transport to an ESP module.
//
// Dialer abstracts how the line is assigned and configured (serial device
// and baud rate, TCP bridge, test double). Session.Initialize dials anew on
// every call, so a Dialer must be reusable.
type Dialer interface {
	// Dial creates and returns a connected Transport. It may block and should
	// respect cancellation provided by the context.
	Dial(ctx context.Context) (Transport, error)
}

// SupportedBaudRates lists the UART speeds a module line may be configured
// with.
var SupportedBaudRates = []int{1200, 2400, 4800, 9600, 14400, 19200, 28800, 31250, 38400, 57600, 115200}

// IsSupportedBaudRate reports whether rate is one of SupportedBaudRates.
func IsSupportedBaudRate(rate int) bool {
	return slices.Contains(SupportedBaudRates, rate)
}

const (
	// DefaultBaudRate is the factory UART speed of ESP-AT firmware.
	DefaultBaudRate = 115200
	// DefaultReadTimeout bounds a single non-blocking read.
	DefaultReadTimeout = 10 * time.Millisecond
)

// SerialDialer opens the module's UART through go.bug.st/serial.
type SerialDialer struct {
	// PortName is the serial device, e.g. "/dev/ttyUSB0" or "COM3".
	PortName string
	// BaudRate must be one of SupportedBaudRates. Zero means DefaultBaudRate.
	BaudRate int
	// ReadTimeout is how long a Read waits for the first byte. Zero means
	// DefaultReadTimeout.
	ReadTimeout time.Duration
	// Mode overrides BaudRate and the 8N1 framing when set.
	Mode *serial.Mode
}

// Dial opens and configures the serial port.
func (d SerialDialer) Dial(ctx context.Context) (Transport, error) {
	if ctx == nil {
		return nil, errors.New("esp: context is nil")
	}
	if d.PortName == "" {
		return nil, errors.New("esp: serial port name is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	mode := d.Mode
	if mode == nil {
		baud := d.BaudRate
		if baud == 0 {
			baud = DefaultBaudRate
		}
		mode = &serial.Mode{
			BaudRate: baud,
			DataBits: 8,
			Parity:   serial.NoParity,
			StopBits: serial.OneStopBit,
		}
	}
	if !IsSupportedBaudRate(mode.BaudRate) {
		return nil, fmt.Errorf("esp: %w: %d", ErrUnsupportedBaudRate, mode.BaudRate)
	}

	port, err := serial.Open(d.PortName, mode)
	if err != nil {
		return nil, fmt.Errorf("esp: open %s: %w", d.PortName, err)
	}

	timeout := d.ReadTimeout
	if timeout <= 0 {
		timeout = DefaultReadTimeout
	}
	if err := port.SetReadTimeout(timeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("esp: set read timeout: %w", err)
	}

	return port, nil
}

// TCPDialer reaches the module through a TCP bridge to its UART (for
// example ser2net). The bridge owns the baud rate.
type TCPDialer struct {
	// Address is the bridge's host:port.
	Address string
	// Timeout bounds the connect. Zero means no timeout beyond ctx.
	Timeout time.Duration
	// ReadTimeout is how long a Read waits for the first byte. Zero means
	// DefaultReadTimeout.
	ReadTimeout time.Duration
}

// Dial connects to the bridge.
func (d TCPDialer) Dial(ctx context.Context) (Transport, error) {
	if ctx == nil {
		return nil, errors.New("esp: context is nil")
	}
	if d.Address == "" {
		return nil, errors.New("esp: tcp bridge address is required")
	}

	dialer := net.Dialer{Timeout: d.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", d.Address)
	if err != nil {
		return nil, fmt.Errorf("esp: dial %s: %w", d.Address, err)
	}

	timeout := d.ReadTimeout
	if timeout <= 0 {
		timeout = DefaultReadTimeout
	}
	return &tcpTransport{conn: conn, readTimeout: timeout}, nil
}

// tcpTransport turns read deadlines into empty reads so a socket behaves
// like a serial port with a read timeout.
type tcpTransport struct {
	conn        net.Conn
	readTimeout time.Duration
}

func (t *tcpTransport) Read(p []byte) (int, error) {
	if err := t.conn.SetReadDeadline(time.Now().Add(t.readTimeout)); err != nil {
		return 0, err
	}
	n, err := t.conn.Read(p)
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return n, nil
	}
	return n, err
}

func (t *tcpTransport) Write(p []byte) (int, error) {
	return t.conn.Write(p)
}

func (t *tcpTransport) Close() error {
	return t.conn.Close()
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context) (Transport, error)

func (f DialerFunc) Dial(ctx context.Context) (Transport, error) {
	return f(ctx)
}
