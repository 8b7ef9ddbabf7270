package device

import (
	"fmt"
	"os"
	"sync"

	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"
)

// I2CBus is one open I2C bus. Register reads and writes address a single
// device; payload interpretation stays with the codec.
type I2CBus interface {
	ReadRegister(addr uint16, reg byte, n int) ([]byte, error)
	WriteRegister(addr uint16, reg byte, value byte) error
}

// I2CPort serializes access to one I2C bus. The lock spans the full
// write-config/wait/read-data sequence because the sensor's internal state
// machine races with concurrent transactions.
type I2CPort interface {
	Address() string
	Transact(fn func(bus I2CBus) error) error
}

// The sensor state machine is shared per bus; a single process-wide lock is
// sufficient for the small number of buses involved.
var i2cMu sync.Mutex

var hostInitOnce sync.Once

type i2cPort struct {
	busNumber int
	openBus   func(busNumber int) (I2CBus, func() error, error)
}

// NewI2CPort creates an adapter for the numbered I2C bus. The bus is opened
// per transaction; opening is cheap compared to serial ports.
func NewI2CPort(busNumber int) I2CPort {
	return &i2cPort{busNumber: busNumber, openBus: openPeriphBus}
}

func (p *i2cPort) Address() string {
	return fmt.Sprintf("I2C(%d)", p.busNumber)
}

func (p *i2cPort) Transact(fn func(bus I2CBus) error) error {
	i2cMu.Lock()
	defer i2cMu.Unlock()

	bus, closeBus, err := p.openBus(p.busNumber)
	if err != nil {
		if os.IsPermission(err) {
			return fmt.Errorf("insufficient permissions for I2C bus %d: %w", p.busNumber, err)
		}
		return fmt.Errorf("failed to open I2C bus %d: %w", p.busNumber, err)
	}
	defer closeBus()

	return fn(bus)
}

func openPeriphBus(busNumber int) (I2CBus, func() error, error) {
	var initErr error
	hostInitOnce.Do(func() {
		_, initErr = host.Init()
	})
	if initErr != nil {
		return nil, nil, fmt.Errorf("host init failed: %w", initErr)
	}
	bus, err := i2creg.Open(fmt.Sprintf("%d", busNumber))
	if err != nil {
		return nil, nil, err
	}
	return &periphBus{bus: bus}, bus.Close, nil
}

type periphBus struct {
	bus i2c.BusCloser
}

func (b *periphBus) ReadRegister(addr uint16, reg byte, n int) ([]byte, error) {
	buf := make([]byte, n)
	if err := b.bus.Tx(addr, []byte{reg}, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (b *periphBus) WriteRegister(addr uint16, reg byte, value byte) error {
	return b.bus.Tx(addr, []byte{reg, value}, nil)
}
