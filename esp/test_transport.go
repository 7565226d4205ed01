package esp

import (
	"io"
	"strings"
	"sync"
	"time"
)

// FakeClock is a virtual clock for tests. After advances the clock by the
// requested duration and fires immediately, so a single goroutine can run
// through pauses and timeouts without real waiting.
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewFakeClock returns a FakeClock starting at an arbitrary fixed instant.
func NewFakeClock() *FakeClock {
	return &FakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- c.Advance(d)
	return ch
}

// Advance moves the clock forward and returns the new time.
func (c *FakeClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

// FakeTransport is a test helper that behaves like a serial port with a
// read timeout: Read never blocks and returns (0, nil) when nothing is due.
//
// Output can be queued directly with Feed, scheduled on the clock with
// FeedAfter, or produced per written command by Respond.
type FakeTransport struct {
	mu       sync.Mutex
	clock    Clock
	chunks   []chunk
	commands []string
	closed   bool

	// Respond, when set, is called with every written command (CRLF
	// stripped) and its result is queued for reading.
	Respond func(cmd string) string
	// MaxRead caps the bytes returned by one Read. Zero means no cap.
	MaxRead int
	// WriteErr is returned by every Write when set.
	WriteErr error
}

type chunk struct {
	due  time.Time
	data []byte
}

// NewFakeTransport creates a FakeTransport. clock may be nil when FeedAfter
// is not used.
func NewFakeTransport(clock Clock) *FakeTransport {
	if clock == nil {
		clock = SystemClock{}
	}
	return &FakeTransport{clock: clock}
}

func (t *FakeTransport) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return 0, io.ErrClosedPipe
	}
	if t.WriteErr != nil {
		return 0, t.WriteErr
	}

	cmd := strings.TrimSuffix(string(p), "\r\n")
	t.commands = append(t.commands, cmd)
	if t.Respond != nil {
		if reply := t.Respond(cmd); reply != "" {
			t.chunks = append(t.chunks, chunk{due: t.clock.Now(), data: []byte(reply)})
		}
	}
	return len(p), nil
}

func (t *FakeTransport) Read(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return 0, io.EOF
	}

	limit := len(p)
	if t.MaxRead > 0 && t.MaxRead < limit {
		limit = t.MaxRead
	}

	now := t.clock.Now()
	n := 0
	for len(t.chunks) > 0 && n < limit && !t.chunks[0].due.After(now) {
		c := &t.chunks[0]
		copied := copy(p[n:limit], c.data)
		n += copied
		c.data = c.data[copied:]
		if len(c.data) == 0 {
			t.chunks = t.chunks[1:]
		}
	}
	return n, nil
}

func (t *FakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

// Feed queues data to be read immediately.
func (t *FakeTransport) Feed(data string) {
	t.FeedAfter(0, data)
}

// FeedAfter queues data that becomes readable once the clock has moved d
// past the current time.
func (t *FakeTransport) FeedAfter(d time.Duration, data string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.chunks = append(t.chunks, chunk{due: t.clock.Now().Add(d), data: []byte(data)})
}

// Commands returns every command written so far, without line terminators.
func (t *FakeTransport) Commands() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.commands...)
}

// Closed reports whether Close was called.
func (t *FakeTransport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}
