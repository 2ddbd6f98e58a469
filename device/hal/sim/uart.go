package sim

import (
	"errors"
	"sync"

	"github.com/smallnest/ringbuffer"

	"github.com/ardnew/usbuart/device/hal"
	"github.com/ardnew/usbuart/pkg"
)

// txCapacity is the size of the simulated transmit line buffer.
const txCapacity = 64 * 1024

// Backend is a physical serial line attached to the simulated UART. Bytes
// the UART transmits are written to it, and its configuration follows the
// UART's.
type Backend interface {
	SetConfig(cfg *hal.UARTConfig) error
	Write(p []byte) (int, error)
}

// UART implements [hal.UART] in memory. Transmitted bytes collect in a ring
// buffer the test or daemon drains with [UART.ReadTx]; received bytes are
// injected with [UART.Receive].
type UART struct {
	engine *Engine

	mutex      sync.Mutex
	config     hal.UARTConfig
	configured bool
	applies    int
	failure    error
	loopback   bool
	backend    Backend
	tx         *ringbuffer.RingBuffer
	dropped    int
}

func newUART(engine *Engine) *UART {
	return &UART{
		engine: engine,
		tx:     ringbuffer.New(txCapacity),
	}
}

// SetConfig applies a line configuration.
func (u *UART) SetConfig(cfg *hal.UARTConfig) error {
	if cfg == nil || !cfg.Valid() {
		return pkg.ErrInvalidParameter
	}

	u.mutex.Lock()
	defer u.mutex.Unlock()

	if u.failure != nil {
		return u.failure
	}
	if u.backend != nil {
		if err := u.backend.SetConfig(cfg); err != nil {
			return err
		}
	}
	u.config = *cfg
	u.configured = true
	u.applies++

	pkg.LogDebug(pkg.ComponentSim, "uart configured",
		"baud", cfg.BaudRate,
		"stopBits", cfg.StopBits.String(),
		"parity", cfg.Parity.String())
	return nil
}

// Config returns the last applied configuration.
func (u *UART) Config() (hal.UARTConfig, bool) {
	u.mutex.Lock()
	defer u.mutex.Unlock()
	return u.config, u.configured
}

// Applies returns the number of successful SetConfig calls.
func (u *UART) Applies() int {
	u.mutex.Lock()
	defer u.mutex.Unlock()
	return u.applies
}

// FailConfig makes SetConfig fail with err. A nil err clears the failure.
func (u *UART) FailConfig(err error) {
	u.mutex.Lock()
	defer u.mutex.Unlock()
	u.failure = err
}

// SetLoopback echoes transmitted bytes back into the receive path, like a
// jumper across TX and RX.
func (u *UART) SetLoopback(enable bool) {
	u.mutex.Lock()
	defer u.mutex.Unlock()
	u.loopback = enable
}

// SetBackend attaches a physical line. A nil backend detaches it.
func (u *UART) SetBackend(b Backend) {
	u.mutex.Lock()
	defer u.mutex.Unlock()
	u.backend = b
}

// Receive injects bytes arriving on the UART RX line.
func (u *UART) Receive(data []byte) (int, error) {
	u.mutex.Lock()
	rx := !u.configured || u.config.RxEnable
	u.mutex.Unlock()
	if !rx {
		return 0, pkg.ErrNotConfigured
	}
	return u.engine.produce(hal.SocketUARTProducer, data)
}

// ReadTx drains transmitted bytes into p.
func (u *UART) ReadTx(p []byte) int {
	u.mutex.Lock()
	defer u.mutex.Unlock()
	n, err := u.tx.Read(p)
	if err != nil {
		return 0
	}
	return n
}

// TxBytes drains and returns every transmitted byte.
func (u *UART) TxBytes() []byte {
	u.mutex.Lock()
	defer u.mutex.Unlock()
	if u.tx.IsEmpty() {
		return nil
	}
	out := make([]byte, u.tx.Length())
	n, _ := u.tx.Read(out)
	return out[:n]
}

// Dropped returns the number of transmitted bytes lost to a full buffer.
func (u *UART) Dropped() int {
	u.mutex.Lock()
	defer u.mutex.Unlock()
	return u.dropped
}

// transmit runs in the DMA completion context for the UART consumer socket.
func (u *UART) transmit(data []byte) {
	u.mutex.Lock()
	if u.configured && !u.config.TxEnable {
		u.mutex.Unlock()
		return
	}
	backend, loopback := u.backend, u.loopback
	if backend == nil {
		n, err := u.tx.Write(data)
		if err != nil && !errors.Is(err, ringbuffer.ErrTooManyDataToWrite) && !errors.Is(err, ringbuffer.ErrIsFull) {
			pkg.LogWarn(pkg.ComponentSim, "uart tx write failed", "error", err)
		}
		u.dropped += len(data) - n
	}
	u.mutex.Unlock()

	if backend != nil {
		if _, err := backend.Write(data); err != nil {
			pkg.LogWarn(pkg.ComponentSim, "uart backend write failed", "error", err)
		}
	}
	if loopback {
		if _, err := u.engine.produce(hal.SocketUARTProducer, data); err != nil {
			pkg.LogDebug(pkg.ComponentSim, "uart loopback dropped", "bytes", len(data), "error", err)
		}
	}
}

var _ hal.UART = (*UART)(nil)
