package device

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jacobsa/go-serial/serial"
	"go.uber.org/zap"

	"github.com/Schwaneberg/metercore/internal/metrics"
)

// SerialConfig holds the line parameters for one serial transaction.
type SerialConfig struct {
	BaudRate int
	DataBits int
	Parity   string // "NONE", "EVEN" or "ODD"
	StopBits int
	Timeout  time.Duration
}

// DefaultSerialConfig mirrors the usual optical-head settings.
func DefaultSerialConfig() SerialConfig {
	return SerialConfig{BaudRate: 9600, DataBits: 8, Parity: "NONE", StopBits: 1, Timeout: 5 * time.Second}
}

// ErrReadTimeout is returned when a read ends before the expected data or
// delimiter arrived.
var ErrReadTimeout = errors.New("serial read timed out")

// SerialConn is one open serial session. Codecs use it to exchange raw bytes;
// it never interprets payload semantics.
type SerialConn interface {
	// ReadUntil consumes bytes until delim was seen and returns everything
	// read including the delimiter.
	ReadUntil(delim []byte) ([]byte, error)
	// ReadBytes reads exactly n bytes.
	ReadBytes(n int) ([]byte, error)
	// ReadLine reads up to and including the next LF.
	ReadLine() ([]byte, error)
	Write(p []byte) error
	// SetBaudRate switches the line speed mid-transaction (wakeup protocols).
	SetBaudRate(baud int) error
}

// SerialPort owns exclusive access to one serial device. The mutex is held
// for the whole open-use-close cycle so concurrent pollers sharing the port
// cannot interleave their I/O.
type SerialPort interface {
	Address() string
	Transact(fn func(conn SerialConn) error) error
}

type ttyPort struct {
	address string
	config  SerialConfig
	mu      sync.Mutex
	logger  *zap.Logger
}

// NewSerialPort creates a lazily opened serial port adapter. The device node
// is opened on each transaction and closed when it returns.
func NewSerialPort(address string, config SerialConfig, logger *zap.Logger) SerialPort {
	return &ttyPort{address: address, config: config, logger: logger}
}

func (p *ttyPort) Address() string {
	return p.address
}

func (p *ttyPort) Transact(fn func(conn SerialConn) error) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	conn, err := p.open(p.config.BaudRate)
	if err != nil {
		if os.IsPermission(err) {
			return fmt.Errorf("insufficient permissions for serial port %s: %w", p.address, err)
		}
		return fmt.Errorf("failed to open serial port %s: %w", p.address, err)
	}
	defer conn.close()

	return fn(conn)
}

func (p *ttyPort) open(baud int) (*ttyConn, error) {
	opts := serial.OpenOptions{
		PortName:              p.address,
		BaudRate:              uint(baud),
		DataBits:              uint(p.config.DataBits),
		StopBits:              uint(p.config.StopBits),
		ParityMode:            parityMode(p.config.Parity),
		InterCharacterTimeout: uint(p.config.Timeout.Milliseconds()),
		MinimumReadSize:       0,
	}
	port, err := serial.Open(opts)
	if err != nil {
		return nil, err
	}
	metrics.SerialOpens.WithLabelValues(p.address).Inc()
	return &ttyConn{port: p, raw: port, br: bufio.NewReader(port)}, nil
}

func parityMode(parity string) serial.ParityMode {
	switch parity {
	case "EVEN":
		return serial.PARITY_EVEN
	case "ODD":
		return serial.PARITY_ODD
	default:
		return serial.PARITY_NONE
	}
}

type ttyConn struct {
	port *ttyPort
	raw  io.ReadWriteCloser
	br   *bufio.Reader
}

func (c *ttyConn) ReadUntil(delim []byte) ([]byte, error) {
	var buf []byte
	for {
		b, err := c.br.ReadByte()
		if err != nil {
			return buf, readErr(err)
		}
		buf = append(buf, b)
		if bytes.HasSuffix(buf, delim) {
			return buf, nil
		}
	}
}

func (c *ttyConn) ReadBytes(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(c.br, buf); err != nil {
		return nil, readErr(err)
	}
	return buf, nil
}

func (c *ttyConn) ReadLine() ([]byte, error) {
	line, err := c.br.ReadBytes('\n')
	if err != nil {
		return line, readErr(err)
	}
	return line, nil
}

func (c *ttyConn) Write(p []byte) error {
	_, err := c.raw.Write(p)
	return err
}

// SetBaudRate reopens the device node with the new speed. go-serial has no
// runtime reconfiguration, so the descriptor is cycled instead.
func (c *ttyConn) SetBaudRate(baud int) error {
	if err := c.raw.Close(); err != nil {
		return err
	}
	fresh, err := c.port.open(baud)
	if err != nil {
		return err
	}
	c.raw = fresh.raw
	c.br = fresh.br
	return nil
}

func (c *ttyConn) close() {
	if err := c.raw.Close(); err != nil {
		c.port.logger.Warn("Failed to close serial port",
			zap.String("port", c.port.address),
			zap.Error(err))
	}
}

func readErr(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.ErrNoProgress) {
		return ErrReadTimeout
	}
	return err
}

// ListSerialPorts enumerates the device nodes a meter could be attached to.
func ListSerialPorts() []string {
	var ports []string
	for _, pattern := range []string{"/dev/ttyUSB*", "/dev/ttyACM*", "/dev/ttyAMA*", "/dev/ttyS*"} {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			continue
		}
		ports = append(ports, matches...)
	}
	return ports
}
