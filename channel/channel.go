// Package channel implements the command dispatcher that sits on top of
// package at's line parser: it serializes outbound AT commands against a
// single shared Transport, runs a background reader goroutine that drives
// the parser from incoming bytes, and delivers each command's accumulated
// response (or a timeout) back to the calling goroutine.
package channel

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/chenjiaqi/attentive/at"
)

// commandScratchSize bounds formatted outbound commands, including the
// trailing '\r' Command appends.
const commandScratchSize = 80

// readLoopIdleInterval is how long the reader goroutine sleeps between
// liveness checks while suspended, not yet open, or after a transport read
// that returned no data. It plays the role of the "implementation-defined
// inner timeout" the reference reader task is allowed to use.
const readLoopIdleInterval = 50 * time.Millisecond

// Channel is the command dispatcher: it owns a Parser, a Transport, and the
// background reader goroutine that feeds bytes from the transport to the
// parser. Construct one with NewChannel (if you already hold a Transport)
// or Dial (if you want a Dialer to obtain one for you), then Open it before
// issuing commands.
type Channel struct {
	parser *at.Parser
	sem    *semaphore.Weighted
	logger *slog.Logger

	mu             sync.Mutex
	transport      Transport
	open           bool
	waiting        bool
	timeout        time.Duration
	lastResponse   []byte
	onURC          func(line []byte)
	sessionScanner at.LineScanner
	commandScanner at.LineScanner
	dataPromptNext bool
	dataPromptBuf  []byte
	openCtx        context.Context
	openCancel     context.CancelFunc

	suspended atomic.Bool

	cmdMu    sync.Mutex // serializes Command/CommandRaw: at most one outstanding command
	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewChannel constructs a Channel around an already-connected Transport and
// starts its background reader goroutine, parked until Open is called. The
// Channel reads, writes, and gates the Transport, and closes it when the
// Channel is closed (Close or Free).
func NewChannel(transport Transport, cfg Config) (*Channel, error) {
	if transport == nil {
		return nil, errors.New("channel: transport is nil")
	}
	cfg.setDefaults()

	c := &Channel{
		sem:       semaphore.NewWeighted(1),
		logger:    cfg.Logger,
		transport: transport,
		timeout:   cfg.Timeout,
		stopCh:    make(chan struct{}),
	}
	// The semaphore starts "signaled" (the weighted semaphore's initial
	// capacity is fully available); drain it once so waiting for a
	// response means waiting for handleResponse's Release, not for the
	// semaphore's initial state.
	_ = c.sem.Acquire(context.Background(), 1)

	parser, err := at.NewParser(cfg.BufSize, at.Callbacks{
		HandleResponse: c.handleResponse,
		HandleURC:      c.handleURC,
		ScanLine:       c.scanLine,
	})
	if err != nil {
		return nil, err
	}
	c.parser = parser

	c.wg.Add(1)
	go c.readLoop()

	return c, nil
}

// Dial obtains a Transport from cfg.Dialer, wraps it in a Channel, and
// opens it — the convenience path most callers want instead of composing
// NewChannel and Open by hand.
func Dial(ctx context.Context, cfg Config) (*Channel, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.setDefaults()
	if ctx == nil {
		ctx = context.Background()
	}

	transport, err := cfg.Dialer.Dial(ctx)
	if err != nil {
		return nil, err
	}

	c, err := NewChannel(transport, cfg)
	if err != nil {
		transport.Close()
		return nil, err
	}
	if err := c.Open(); err != nil {
		c.Free()
		return nil, err
	}
	return c, nil
}

// Open enables the transport's receive path and arms the channel to accept
// commands. It must be called before Command/Send will succeed.
func (c *Channel) Open() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.transport == nil {
		return ErrClosed
	}
	if err := c.transport.SetRXEnable(true); err != nil {
		return err
	}
	if c.openCancel != nil {
		c.openCancel()
	}
	c.openCtx, c.openCancel = context.WithCancel(context.Background())
	c.open = true

	// Drain any stale signal so a caller's first Command doesn't observe
	// a response meant for nobody.
	for c.sem.TryAcquire(1) {
	}

	c.logger.Debug("channel opened")
	return nil
}

// Close disables the transport and releases it. Outstanding Command calls
// are woken at once and return ErrClosed. Close does not
// stop the reader goroutine; call Free for full teardown.
func (c *Channel) Close() error {
	c.mu.Lock()
	if !c.open {
		c.mu.Unlock()
		return nil
	}
	c.open = false
	t := c.transport
	c.transport = nil
	if c.openCancel != nil {
		c.openCancel()
	}
	c.mu.Unlock()

	c.logger.Debug("channel closed")
	if t != nil {
		return t.Close()
	}
	return nil
}

// Free closes the channel if still open, stops the reader goroutine, and
// waits for it to exit. The Channel must not be used after Free returns.
func (c *Channel) Free() error {
	err := c.Close()
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
	return err
}

// Suspend pauses the reader goroutine without touching the transport or
// open/closed state. Useful for shedding CPU while the modem is known to be
// idle or powered down.
func (c *Channel) Suspend() {
	c.suspended.Store(true)
}

// Resume un-pauses a previously Suspended reader goroutine.
func (c *Channel) Resume() {
	c.suspended.Store(false)
}

// SetCallbacks installs the session-wide line classifier and URC handler.
// Either may be nil. onURC runs on the reader goroutine and must not block
// or issue a Command on this Channel (it would deadlock waiting on its own
// response signal).
func (c *Channel) SetCallbacks(scanLine at.LineScanner, onURC func(line []byte)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionScanner = scanLine
	c.onURC = onURC
}

// SetCommandScanner installs a one-shot line classifier consulted, ahead of
// the session scanner, only for the next Command/CommandRaw call.
func (c *Channel) SetCommandScanner(scanner at.LineScanner) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.commandScanner = scanner
}

// SetTimeout sets the cap on how long Command/CommandRaw wait for a final
// response. Zero means unbounded (bounded only by the caller's context).
func (c *Channel) SetTimeout(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timeout = d
}

// ExpectDataPrompt arms the next Command/CommandRaw call to treat the
// two-byte prompt (or, if given, the custom prompt bytes) as the response
// terminator instead of a CRLF-delimited line. A nil prompt keeps the
// default "> ".
func (c *Channel) ExpectDataPrompt(prompt []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dataPromptNext = true
	if prompt != nil {
		c.dataPromptBuf = append([]byte(nil), prompt...)
	} else {
		c.dataPromptBuf = nil
	}
}

// Command formats an AT command and its arguments, appends the modem-style
// trailing '\r', and issues it. It fails with ErrCommandTooLong without
// touching the transport if the formatted command overflows the bounded
// command scratch buffer.
func (c *Channel) Command(ctx context.Context, format string, args ...any) ([]byte, error) {
	line := fmt.Sprintf(format, args...)
	if len(line)+1 > commandScratchSize {
		return nil, ErrCommandTooLong
	}
	return c.CommandRaw(ctx, append([]byte(line), '\r'))
}

// CommandRaw issues data to the transport verbatim — no formatting, no
// trailing '\r' appended — and waits for the parser to deliver a final
// response or for the timeout/context/closure to fire.
func (c *Channel) CommandRaw(ctx context.Context, data []byte) ([]byte, error) {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()

	c.mu.Lock()
	if !c.open {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	scanner := c.commandScanner
	dataprompt := c.dataPromptNext
	promptBytes := c.dataPromptBuf
	c.commandScanner = nil
	c.dataPromptNext = false
	c.dataPromptBuf = nil
	openCtx := c.openCtx
	transport := c.transport
	c.mu.Unlock()

	if dataprompt {
		c.parser.ExpectDataPrompt(promptBytes)
	}
	c.parser.AwaitResponse(dataprompt, scanner)

	if _, err := transport.Write(data); err != nil {
		return nil, fmt.Errorf("channel: write command: %w", err)
	}

	c.mu.Lock()
	c.waiting = true
	c.mu.Unlock()

	// Drain any stale signal before waiting: the reference takes the
	// semaphore twice, zero-timeout, before the real wait loop. The
	// intent is "drain to empty", not a specific primitive call count.
	for c.sem.TryAcquire(1) {
	}

	waitCtx := ctx
	var cancelTimeout context.CancelFunc
	if c.timeout > 0 {
		waitCtx, cancelTimeout = context.WithTimeout(waitCtx, c.timeout)
		defer cancelTimeout()
	}
	waitCtx, cancelWait := context.WithCancel(waitCtx)
	defer cancelWait()
	go func() {
		select {
		case <-openCtx.Done():
			cancelWait()
		case <-waitCtx.Done():
		}
	}()

	_ = c.sem.Acquire(waitCtx, 1)

	c.mu.Lock()
	open := c.open
	waiting := c.waiting
	resp := append([]byte(nil), c.lastResponse...)
	c.mu.Unlock()

	if !open {
		return nil, ErrClosed
	}
	if waiting {
		c.parser.Reset()
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, ErrTimeout
	}
	return resp, nil
}

// Send writes a formatted command straight to the transport without
// engaging the parser or waiting for a response ("fire and forget").
func (c *Channel) Send(format string, args ...any) (bool, error) {
	line := fmt.Sprintf(format, args...)
	if len(line) > commandScratchSize {
		return false, ErrCommandTooLong
	}
	return c.SendRaw([]byte(line))
}

// SendRaw writes data to the transport verbatim, with no formatting and no
// parser involvement.
func (c *Channel) SendRaw(data []byte) (bool, error) {
	c.mu.Lock()
	if !c.open {
		c.mu.Unlock()
		return false, ErrClosed
	}
	transport := c.transport
	c.mu.Unlock()

	n, err := transport.Write(data)
	return err == nil && n == len(data), err
}

var hexDigits = "0123456789ABCDEF"

// SendHex encodes data as uppercase ASCII hex pairs, big-endian nibble
// order per byte, chunked through the bounded command scratch buffer, and
// writes it straight to the transport.
func (c *Channel) SendHex(data []byte) (bool, error) {
	const chunkBytes = commandScratchSize / 2
	for len(data) > 0 {
		n := chunkBytes
		if n > len(data) {
			n = len(data)
		}
		chunk := data[:n]
		data = data[n:]

		buf := make([]byte, len(chunk)*2)
		for i, b := range chunk {
			buf[i*2] = hexDigits[b>>4]
			buf[i*2+1] = hexDigits[b&0x0f]
		}
		ok, err := c.SendRaw(buf)
		if !ok {
			return false, err
		}
	}
	return true, nil
}

// Config retries "AT+option=value" followed by "AT+option?" up to attempts
// times, waiting a second between attempts, until the modem confirms the
// value by echoing back "+option: value". It returns nil on confirmation,
// ErrConfigOverflow if the confirmation string can't fit the comparison
// buffer, ErrTimeout if a command times out, and ErrConfigNotConfirmed if
// every attempt is spent without confirmation (the reference returns
// success in this last case too; see DESIGN.md).
func (c *Channel) Config(ctx context.Context, option, value string, attempts int) error {
	const expectedBufSize = 32
	expected := fmt.Sprintf("+%s: %s", option, value)
	if len(expected) >= expectedBufSize {
		return ErrConfigOverflow
	}

	for i := 0; i < attempts; i++ {
		// Blindly try to set the option; its result is not checked,
		// matching the reference — the query below is authoritative.
		_, _ = c.Command(ctx, "AT+%s=%s", option, value)

		resp, err := c.Command(ctx, "AT+%s?", option)
		if err != nil {
			return err
		}
		if bytes.HasPrefix(resp, []byte(expected)) {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
	return ErrConfigNotConfirmed
}

func (c *Channel) handleResponse(resp []byte) {
	c.mu.Lock()
	c.lastResponse = append(c.lastResponse[:0], resp...)
	c.waiting = false
	c.mu.Unlock()
	c.sem.Release(1)
}

func (c *Channel) handleURC(line []byte) {
	c.mu.Lock()
	cb := c.onURC
	c.mu.Unlock()
	if cb != nil {
		cb(line)
	}
}

func (c *Channel) scanLine(line []byte) at.LineType {
	c.mu.Lock()
	s := c.sessionScanner
	c.mu.Unlock()
	if s == nil {
		return at.LineType{}
	}
	return s(line)
}

func (c *Channel) readLoop() {
	defer c.wg.Done()

	buf := make([]byte, 256)
	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		if c.suspended.Load() {
			time.Sleep(readLoopIdleInterval)
			continue
		}

		c.mu.Lock()
		open := c.open
		transport := c.transport
		c.mu.Unlock()
		if !open || transport == nil {
			time.Sleep(readLoopIdleInterval)
			continue
		}

		n, err := transport.Read(buf)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				c.logger.Debug("channel: transport read error", "error", err)
			}
			time.Sleep(readLoopIdleInterval)
			continue
		}
		if n > 0 {
			c.parser.Feed(buf[:n])
		} else {
			time.Sleep(readLoopIdleInterval)
		}
	}
}
