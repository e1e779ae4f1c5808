package channel_test

import (
	"context"
	"sync"
	"testing"

	gomock "go.uber.org/mock/gomock"

	"github.com/chenjiaqi/attentive/channel"
)

// mockReadQueue feeds a MockTransport's Read expectation from a FIFO of
// response strings, each one pushed only once its paired Write has actually
// happened — so the background reader never observes a response before the
// command that provokes it was sent.
type mockReadQueue struct {
	mu   sync.Mutex
	data [][]byte
}

func (q *mockReadQueue) push(s string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.data = append(q.data, []byte(s))
}

func (q *mockReadQueue) read(p []byte) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.data) == 0 {
		return 0, nil
	}
	n := copy(p, q.data[0])
	q.data = q.data[1:]
	return n, nil
}

// MockSequenceBuilder accumulates an ordered list of Write expectations on a
// MockTransport, one per AT command in a handshake, each arranging for its
// paired response to become readable only once the write is observed. Pass
// the result of Build to gomock.InOrder.
type MockSequenceBuilder struct {
	transport *channel.MockTransport
	queue     *mockReadQueue
	calls     []any
}

// NewMockSequence starts a builder around transport, wiring its Read
// expectation to queue once for the whole sequence.
func NewMockSequence(transport *channel.MockTransport) *MockSequenceBuilder {
	queue := &mockReadQueue{}
	transport.EXPECT().Read(gomock.Any()).DoAndReturn(queue.read).AnyTimes()
	return &MockSequenceBuilder{transport: transport, queue: queue}
}

// Exchange expects cmd (with the trailing '\r' already applied by the
// caller) to be written, and makes resp readable immediately afterward.
func (b *MockSequenceBuilder) Exchange(cmd, resp string) *MockSequenceBuilder {
	b.calls = append(b.calls,
		b.transport.EXPECT().Write([]byte(cmd)).DoAndReturn(func(p []byte) (int, error) {
			b.queue.push(resp)
			return len(p), nil
		}),
	)
	return b
}

// AT expects the bare liveness probe.
func (b *MockSequenceBuilder) AT() *MockSequenceBuilder {
	return b.Exchange("AT\r", "OK\r\n")
}

// EchoOff expects ATE0.
func (b *MockSequenceBuilder) EchoOff() *MockSequenceBuilder {
	return b.Exchange("ATE0\r", "OK\r\n")
}

// VerboseErrors expects AT+CMEE=2.
func (b *MockSequenceBuilder) VerboseErrors() *MockSequenceBuilder {
	return b.Exchange("AT+CMEE=2\r", "OK\r\n")
}

// Build returns the accumulated Write expectations for gomock.InOrder.
func (b *MockSequenceBuilder) Build() []any {
	return b.calls
}

// runInit issues the three-command handshake a session opening routine
// would run before doing anything domain-specific.
func runInit(t *testing.T, ch *channel.Channel) {
	t.Helper()
	for _, cmd := range []string{"AT", "ATE0", "AT+CMEE=2"} {
		if _, err := ch.Command(context.Background(), "%s", cmd); err != nil {
			t.Fatalf("Command(%q): %v", cmd, err)
		}
	}
}

func TestInitHandshakeCallOrder(t *testing.T) {
	ctrl := gomock.NewController(t)
	transport := channel.NewMockTransport(ctrl)
	transport.EXPECT().SetRXEnable(true).Return(nil).AnyTimes()
	transport.EXPECT().Close().Return(nil).AnyTimes()

	seq := NewMockSequence(transport).AT().EchoOff().VerboseErrors().Build()
	gomock.InOrder(seq...)

	ch, err := channel.NewChannel(transport, channel.Config{Timeout: 0})
	if err != nil {
		t.Fatalf("NewChannel: %v", err)
	}
	defer ch.Free()
	if err := ch.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}

	runInit(t, ch)
}

func TestDialUsesMockDialer(t *testing.T) {
	ctrl := gomock.NewController(t)
	transport := channel.NewMockTransport(ctrl)
	transport.EXPECT().SetRXEnable(true).Return(nil).AnyTimes()
	transport.EXPECT().Close().Return(nil).AnyTimes()

	queue := &mockReadQueue{}
	transport.EXPECT().Read(gomock.Any()).DoAndReturn(queue.read).AnyTimes()
	transport.EXPECT().Write([]byte("AT\r")).DoAndReturn(func(p []byte) (int, error) {
		queue.push("OK\r\n")
		return len(p), nil
	})

	dialer := channel.NewMockDialer(ctrl)
	dialer.EXPECT().Dial(gomock.Any()).Return(transport, nil)

	ch, err := channel.Dial(context.Background(), channel.Config{Dialer: dialer})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer ch.Free()

	if _, err := ch.Command(context.Background(), "AT"); err != nil {
		t.Fatalf("Command: %v", err)
	}
}
