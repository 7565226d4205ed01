package esp

import (
	"context"
	"fmt"
	"io"
	"time"

	"i4.energy/across/espgw/at"
)

// Scanner waits for the module's verdict on the command just written.
//
// Each Await keeps a rolling window of the most recent windowSize bytes read
// from the transport and searches the whole window for terminal tokens on
// every pass. The window is bounded independently of the timeout: a slow
// trickle of unrelated output can push the start of a token out of the
// window before its end arrives, and that wait then ends in ErrTimeout.
type Scanner struct {
	r            io.Reader
	clock        Clock
	timeout      time.Duration
	windowSize   int
	pollInterval time.Duration
	readBuf      []byte

	// observe, when set, sees the window after every truncation.
	observe func(window []byte)
}

// NewScanner returns a Scanner reading from r. Zero values for timeout and
// windowSize select the defaults.
func NewScanner(r io.Reader, clock Clock, timeout time.Duration, windowSize int, pollInterval time.Duration) *Scanner {
	if clock == nil {
		clock = SystemClock{}
	}
	if timeout == 0 {
		timeout = DefaultResponseTimeout
	}
	if windowSize <= 0 {
		windowSize = DefaultWindowSize
	}
	return &Scanner{
		r:            r,
		clock:        clock,
		timeout:      timeout,
		windowSize:   windowSize,
		pollInterval: pollInterval,
		readBuf:      make([]byte, 256),
	}
}

// Await consumes transport output until a terminal token is seen or the
// timeout elapses.
//
// It returns nil on a success token, ErrModuleError on a failure token and
// ErrTimeout when more than the timeout has passed without either. A
// cancelled ctx ends the wait with the context error; a read error ends it
// with that error wrapped.
func (s *Scanner) Await(ctx context.Context) error {
	start := s.clock.Now()
	var window []byte

	for {
		n, err := s.drain(&window)
		if err != nil {
			return fmt.Errorf("read response: %w", err)
		}

		switch at.Match(window) {
		case at.Success:
			return nil
		case at.Failure:
			return ErrModuleError
		}

		if s.clock.Now().Sub(start) > s.timeout {
			return ErrTimeout
		}

		// Only idle between empty reads; keep draining while bytes flow.
		if n == 0 {
			if err := pause(ctx, s.clock, s.pollInterval); err != nil {
				return err
			}
		} else if err := ctx.Err(); err != nil {
			return err
		}
	}
}

// AwaitResponse is Await collapsed to success or not. Module failures,
// timeouts, cancellation and read errors are all false.
func (s *Scanner) AwaitResponse(ctx context.Context) bool {
	return s.Await(ctx) == nil
}

// drain appends everything the transport has right now to the window and
// trims it to the window size. It returns the number of bytes read.
func (s *Scanner) drain(window *[]byte) (int, error) {
	total := 0
	for {
		n, err := s.r.Read(s.readBuf)
		if n > 0 {
			total += n
			*window = append(*window, s.readBuf[:n]...)
			if over := len(*window) - s.windowSize; over > 0 {
				*window = (*window)[over:]
			}
			if s.observe != nil {
				s.observe(*window)
			}
		}
		if err != nil {
			if err == io.EOF && total > 0 {
				return total, nil
			}
			return total, err
		}
		if n < len(s.readBuf) {
			return total, nil
		}
	}
}
