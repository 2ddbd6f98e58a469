package sim

import (
	"context"
	"fmt"
	"sync"

	"github.com/ardnew/usbuart/device/hal"
	"github.com/ardnew/usbuart/pkg"
)

// ChannelStats counts operations performed on a simulated channel.
type ChannelStats struct {
	Mode     hal.ChannelMode
	Size     int
	Count    int
	Armed    bool
	Produced int // Buffers handed to the firmware (manual) or forwarded (auto)
	Commits  int // Buffers committed to the consumer
	WrapUps  int // WrapUp calls
	Resets   int // Successful resets
	Overruns int // Producer writes that found no free buffer
}

// packet is one buffer delivered to a host IN endpoint.
type packet struct {
	data    []byte
	release func()
}

// Engine implements [hal.DMA] in memory. Channels are indexed by their
// producer socket; at most one live channel may own a producer socket.
type Engine struct {
	uart *UART

	mutex    sync.Mutex
	channels map[hal.Socket]*channel
	hostIn   map[uint8][]packet

	// Fault injection
	createErr map[hal.Socket]error
	xferErr   map[hal.Socket]error
	commitErr map[hal.Socket]error
	resetErr  error

	created   int
	destroyed int
}

func newEngine() *Engine {
	return &Engine{
		channels:  make(map[hal.Socket]*channel),
		hostIn:    make(map[uint8][]packet),
		createErr: make(map[hal.Socket]error),
		xferErr:   make(map[hal.Socket]error),
		commitErr: make(map[hal.Socket]error),
	}
}

// CreateChannel creates a channel between two sockets.
func (e *Engine) CreateChannel(cfg *hal.ChannelConfig) (hal.Channel, error) {
	if cfg == nil || cfg.Size == 0 || cfg.Count == 0 {
		return nil, pkg.ErrInvalidParameter
	}

	e.mutex.Lock()
	defer e.mutex.Unlock()

	if err, ok := e.createErr[cfg.Producer]; ok {
		return nil, err
	}
	if _, busy := e.channels[cfg.Producer]; busy {
		return nil, fmt.Errorf("producer socket %#04x in use: %w", uint16(cfg.Producer), pkg.ErrInvalidState)
	}

	ch := &channel{
		engine: e,
		cfg:    *cfg,
		bufs:   make([][]byte, cfg.Count),
		free:   make(chan int, cfg.Count),
		done:   make(chan struct{}),
		fill:   -1,
		held:   -1,
	}
	for i := range ch.bufs {
		ch.bufs[i] = make([]byte, cfg.Size)
		ch.free <- i
	}
	e.channels[cfg.Producer] = ch
	e.created++

	pkg.LogDebug(pkg.ComponentSim, "dma channel created",
		"mode", cfg.Mode.String(),
		"producer", uint16(cfg.Producer),
		"consumer", uint16(cfg.Consumer),
		"size", cfg.Size,
		"count", cfg.Count)
	return ch, nil
}

// HostWrite sends data from the host on OUT endpoint ep.
func (e *Engine) HostWrite(ep uint8, data []byte) (int, error) {
	return e.produce(hal.USBProducerSocket(ep), data)
}

// HostRead returns the next packet queued on IN endpoint ep, releasing its
// DMA buffer.
func (e *Engine) HostRead(ep uint8) ([]byte, bool) {
	e.mutex.Lock()
	q := e.hostIn[ep&0x0F]
	if len(q) == 0 {
		e.mutex.Unlock()
		return nil, false
	}
	p := q[0]
	e.hostIn[ep&0x0F] = q[1:]
	e.mutex.Unlock()

	if p.release != nil {
		p.release()
	}
	return p.data, true
}

// HostReadAll drains every packet queued on IN endpoint ep.
func (e *Engine) HostReadAll(ep uint8) []byte {
	var out []byte
	for {
		p, ok := e.HostRead(ep)
		if !ok {
			return out
		}
		out = append(out, p...)
	}
}

// Pending returns the number of packets queued on IN endpoint ep.
func (e *Engine) Pending(ep uint8) int {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return len(e.hostIn[ep&0x0F])
}

// Notify raises a completion event on the channel owning producer socket
// sock.
func (e *Engine) Notify(sock hal.Socket, typ hal.CallbackType) error {
	ch := e.lookup(sock)
	if ch == nil {
		return pkg.ErrNotConfigured
	}
	ch.notify(typ)
	return nil
}

// Stats returns counters for the channel owning producer socket sock.
func (e *Engine) Stats(sock hal.Socket) (ChannelStats, bool) {
	ch := e.lookup(sock)
	if ch == nil {
		return ChannelStats{}, false
	}
	ch.mutex.Lock()
	defer ch.mutex.Unlock()
	s := ch.stats
	s.Mode = ch.cfg.Mode
	s.Size = int(ch.cfg.Size)
	s.Count = int(ch.cfg.Count)
	s.Armed = ch.armed
	return s, true
}

// Live returns the number of channels created and not yet destroyed.
func (e *Engine) Live() int {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return len(e.channels)
}

// Created returns the total number of channels ever created.
func (e *Engine) Created() int {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.created
}

// FailCreate makes creating a channel on producer sock fail with err.
// A nil err clears the failure.
func (e *Engine) FailCreate(sock hal.Socket, err error) {
	e.setFailure(e.createErr, sock, err)
}

// FailXfer makes arming the channel on producer sock fail with err.
func (e *Engine) FailXfer(sock hal.Socket, err error) {
	e.setFailure(e.xferErr, sock, err)
}

// FailCommit makes commits on producer sock fail with err.
func (e *Engine) FailCommit(sock hal.Socket, err error) {
	e.setFailure(e.commitErr, sock, err)
}

// FailReset makes every channel reset return err.
func (e *Engine) FailReset(err error) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.resetErr = err
}

func (e *Engine) setFailure(m map[hal.Socket]error, sock hal.Socket, err error) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	if err == nil {
		delete(m, sock)
		return
	}
	m[sock] = err
}

func (e *Engine) failure(m map[hal.Socket]error, sock hal.Socket) error {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return m[sock]
}

func (e *Engine) lookup(sock hal.Socket) *channel {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.channels[sock]
}

func (e *Engine) produce(sock hal.Socket, data []byte) (int, error) {
	ch := e.lookup(sock)
	if ch == nil {
		return 0, pkg.ErrNotConfigured
	}
	return ch.produce(data)
}

func (e *Engine) remove(ch *channel) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	if e.channels[ch.cfg.Producer] == ch {
		delete(e.channels, ch.cfg.Producer)
	}
	e.destroyed++
}

// deliver hands a committed buffer to its consumer socket.
func (e *Engine) deliver(consumer hal.Socket, data []byte, release func()) {
	switch {
	case consumer.IsUSB():
		e.mutex.Lock()
		ep := consumer.Endpoint()
		e.hostIn[ep] = append(e.hostIn[ep], packet{data: data, release: release})
		e.mutex.Unlock()
	case consumer == hal.SocketUARTConsumer:
		release()
		e.uart.transmit(data)
	default:
		release()
	}
}

func (e *Engine) flushHost(ep uint8) {
	e.mutex.Lock()
	q := e.hostIn[ep]
	delete(e.hostIn, ep)
	e.mutex.Unlock()

	for _, p := range q {
		if p.release != nil {
			p.release()
		}
	}
}

// channel implements [hal.Channel].
type channel struct {
	engine *Engine
	cfg    hal.ChannelConfig

	// events serializes callback delivery so commits pair with the
	// produced events in order. It is never taken from inside a callback.
	events sync.Mutex

	mutex     sync.Mutex
	armed     bool
	destroyed bool
	bufs      [][]byte
	free      chan int
	done      chan struct{}

	fill      int   // Buffer being filled by the producer, -1 if none
	fillCount int   // Bytes in the fill buffer
	ready     []int // Filled buffers awaiting commit, oldest first
	counts    []int // Byte counts parallel to ready
	held      int   // Buffer acquired with GetBuffer, -1 if none

	stats ChannelStats
}

func (c *channel) SetXfer(count uint32) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.destroyed {
		return pkg.ErrNotConfigured
	}
	if err := c.engine.failure(c.engine.xferErr, c.cfg.Producer); err != nil {
		return err
	}
	c.armed = true
	return nil
}

func (c *channel) GetBuffer(ctx context.Context) (hal.Buffer, error) {
	c.mutex.Lock()
	if c.destroyed {
		c.mutex.Unlock()
		return hal.Buffer{}, pkg.ErrNotConfigured
	}
	if c.cfg.Mode != hal.ModeManualOut || !c.armed || c.held != -1 {
		c.mutex.Unlock()
		return hal.Buffer{}, pkg.ErrInvalidState
	}
	c.mutex.Unlock()

	var idx int
	select {
	case idx = <-c.free:
	case <-c.done:
		return hal.Buffer{}, pkg.ErrNotConfigured
	case <-ctx.Done():
		return hal.Buffer{}, ctx.Err()
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.destroyed {
		return hal.Buffer{}, pkg.ErrNotConfigured
	}
	c.held = idx
	return hal.Buffer{Data: c.bufs[idx], Size: len(c.bufs[idx])}, nil
}

func (c *channel) CommitBuffer(count int) error {
	c.mutex.Lock()

	if c.destroyed {
		c.mutex.Unlock()
		return pkg.ErrNotConfigured
	}

	var idx int
	switch c.cfg.Mode {
	case hal.ModeManualOut:
		if c.held == -1 {
			c.mutex.Unlock()
			return pkg.ErrInvalidState
		}
		idx = c.held
		c.held = -1
	case hal.ModeManual:
		if len(c.ready) == 0 {
			c.mutex.Unlock()
			return pkg.ErrInvalidState
		}
		idx = c.ready[0]
		c.ready = c.ready[1:]
		c.counts = c.counts[1:]
	default:
		c.mutex.Unlock()
		return pkg.ErrInvalidState
	}

	if count < 0 || count > len(c.bufs[idx]) {
		c.free <- idx
		c.mutex.Unlock()
		return pkg.ErrInvalidParameter
	}
	if err := c.engine.failure(c.engine.commitErr, c.cfg.Producer); err != nil {
		c.free <- idx
		c.mutex.Unlock()
		return err
	}

	data := append([]byte(nil), c.bufs[idx][:count]...)
	c.stats.Commits++
	c.mutex.Unlock()

	c.engine.deliver(c.cfg.Consumer, data, c.releaser(idx))
	return nil
}

func (c *channel) Reset() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.destroyed {
		return pkg.ErrNotConfigured
	}
	c.engine.mutex.Lock()
	err := c.engine.resetErr
	c.engine.mutex.Unlock()
	if err != nil {
		return err
	}
	if !c.armed {
		return pkg.ErrAlreadyReset
	}

	if c.fill != -1 {
		c.free <- c.fill
		c.fill, c.fillCount = -1, 0
	}
	for _, idx := range c.ready {
		c.free <- idx
	}
	c.ready, c.counts = nil, nil
	if c.held != -1 {
		c.free <- c.held
		c.held = -1
	}
	c.armed = false
	c.stats.Resets++
	return nil
}

func (c *channel) WrapUp() error {
	c.events.Lock()
	defer c.events.Unlock()

	c.mutex.Lock()
	if c.destroyed {
		c.mutex.Unlock()
		return pkg.ErrNotConfigured
	}
	if !c.armed {
		c.mutex.Unlock()
		return pkg.ErrInvalidState
	}
	c.stats.WrapUps++
	if c.fill == -1 || c.fillCount == 0 {
		c.mutex.Unlock()
		return nil
	}
	buf := c.pushFill()
	c.mutex.Unlock()

	c.fire(hal.CallbackProduced, &buf)
	return nil
}

func (c *channel) Destroy() error {
	c.events.Lock()
	defer c.events.Unlock()

	c.mutex.Lock()
	if c.destroyed {
		c.mutex.Unlock()
		return pkg.ErrNotConfigured
	}
	c.destroyed = true
	c.armed = false
	close(c.done)
	c.mutex.Unlock()

	c.engine.remove(c)
	return nil
}

// produce feeds producer-side data into the channel.
func (c *channel) produce(data []byte) (int, error) {
	c.events.Lock()
	defer c.events.Unlock()

	written := 0
	for written < len(data) {
		c.mutex.Lock()
		if c.destroyed || !c.armed {
			c.mutex.Unlock()
			return written, pkg.ErrNotConfigured
		}
		if c.cfg.Mode == hal.ModeManualOut {
			c.mutex.Unlock()
			return written, pkg.ErrInvalidState
		}
		if c.fill == -1 {
			select {
			case c.fill = <-c.free:
				c.fillCount = 0
			default:
				c.stats.Overruns++
				c.mutex.Unlock()
				return written, pkg.ErrOverrun
			}
		}

		n := copy(c.bufs[c.fill][c.fillCount:], data[written:])
		c.fillCount += n
		written += n

		if c.fillCount < len(c.bufs[c.fill]) {
			c.mutex.Unlock()
			continue
		}

		if c.cfg.Mode == hal.ModeAuto {
			idx := c.fill
			out := append([]byte(nil), c.bufs[idx][:c.fillCount]...)
			c.fill, c.fillCount = -1, 0
			c.stats.Produced++
			c.stats.Commits++
			c.mutex.Unlock()
			c.engine.deliver(c.cfg.Consumer, out, c.releaser(idx))
			continue
		}

		buf := c.pushFill()
		c.mutex.Unlock()
		c.fire(hal.CallbackProduced, &buf)
	}

	// Auto channels forward short writes as-is; the host sends whole
	// transfers.
	c.mutex.Lock()
	if c.cfg.Mode == hal.ModeAuto && c.fill != -1 && c.fillCount > 0 {
		idx := c.fill
		out := append([]byte(nil), c.bufs[idx][:c.fillCount]...)
		c.fill, c.fillCount = -1, 0
		c.stats.Produced++
		c.stats.Commits++
		c.mutex.Unlock()
		c.engine.deliver(c.cfg.Consumer, out, c.releaser(idx))
		return written, nil
	}
	c.mutex.Unlock()
	return written, nil
}

// pushFill moves the fill buffer to the ready queue. c.mutex must be held.
func (c *channel) pushFill() hal.Buffer {
	idx, count := c.fill, c.fillCount
	c.ready = append(c.ready, idx)
	c.counts = append(c.counts, count)
	c.fill, c.fillCount = -1, 0
	c.stats.Produced++
	return hal.Buffer{Data: c.bufs[idx], Count: count, Size: len(c.bufs[idx])}
}

func (c *channel) notify(typ hal.CallbackType) {
	c.events.Lock()
	defer c.events.Unlock()

	c.mutex.Lock()
	destroyed := c.destroyed
	c.mutex.Unlock()
	if destroyed {
		return
	}
	c.fire(typ, nil)
}

// fire invokes the callback. c.events must be held and c.mutex must not.
func (c *channel) fire(typ hal.CallbackType, buf *hal.Buffer) {
	cb := c.cfg.Callback
	if cb == nil {
		return
	}
	if typ&(hal.CallbackProduced|hal.CallbackConsumed) != 0 && c.cfg.Notify&typ == 0 {
		return
	}
	cb(c, typ, buf)
}

func (c *channel) releaser(idx int) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			select {
			case c.free <- idx:
			default:
			}
		})
	}
}

var (
	_ hal.DMA     = (*Engine)(nil)
	_ hal.Channel = (*channel)(nil)
)
