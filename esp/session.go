package esp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"i4.energy/across/espgw/at"
)

// ConnectionState is the pessimistic view of the three link layers. A flag
// only becomes true after the module confirmed the step that establishes it
// and is reset to false whenever that step is attempted again.
type ConnectionState struct {
	WifiConnected        bool `json:"wifi_connected"`
	RemoteConnected      bool `json:"remote_connected"`
	LastUploadSuccessful bool `json:"last_upload_successful"`
}

// Fields carries the eight numeric samples of one upload, field1 first.
type Fields = [at.FieldCount]float64

// step is one command of a fixed sequence with its settling time.
type step struct {
	cmd   string
	pause time.Duration
}

var (
	initSequence = []step{
		{at.CmdRestore, 2000 * time.Millisecond},
		{at.CmdStationMode, 1000 * time.Millisecond},
		{at.CmdEchoOff, 1000 * time.Millisecond},
		{at.CmdListAPOptions, 1000 * time.Millisecond},
		{at.CmdListAPs, 0},
	}

	apModeSequence = []step{
		{at.CmdRestore, 2000 * time.Millisecond},
		{at.CmdDualMode, 1000 * time.Millisecond},
		{at.CmdRestart, 2000 * time.Millisecond},
		{at.CmdMultiConn, 1000 * time.Millisecond},
		{at.StartServer(at.ServerPort), 1000 * time.Millisecond},
	}
)

// Session drives one ESP module over one transport.
//
// Operations are strictly sequential: each holds the session lock from the
// first write to the last pause, so at most one response wait is ever in
// flight. State queries use a separate lock and never wait behind a
// running operation.
type Session struct {
	config Config
	logger *zap.Logger

	// opMu serializes operations on the transport.
	opMu      sync.Mutex
	transport Transport
	scanner   *Scanner
	closed    bool

	stateMu sync.RWMutex
	state   ConnectionState
}

// New creates a Session. The transport is not opened until Initialize.
func New(config Config) (*Session, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	config.setDefaults()

	return &Session{
		config: config,
		logger: config.logger.With(zap.String("component", "esp")),
	}, nil
}

// Initialize resets the link flags, (re)opens the transport and puts the
// module into station mode.
//
// The setup commands are best effort: their responses are not awaited and
// failures are neither observed nor reported. Only a failure to open the
// transport is returned.
func (s *Session) Initialize(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	if s.closed {
		return ErrAlreadyClosed
	}
	log := s.opLogger("initialize")

	s.updateState(func(st *ConnectionState) {
		st.WifiConnected = false
		st.RemoteConnected = false
	})

	if s.transport != nil {
		if err := s.transport.Close(); err != nil {
			log.Warn("Closing previous transport failed", zap.Error(err))
		}
		s.transport, s.scanner = nil, nil
	}

	transport, err := s.config.dialer.Dial(ctx)
	if err != nil {
		log.Error("Failed to open transport", zap.Error(err))
		return fmt.Errorf("open transport: %w", err)
	}
	if transport == nil {
		return ErrNotInitialized
	}
	s.transport = transport
	s.scanner = NewScanner(transport, s.config.clock, s.config.responseTimeout, s.config.windowSize, s.config.pollInterval)

	if err := s.runSequence(ctx, log, initSequence); err != nil {
		return err
	}
	if err := pause(ctx, s.config.clock, DefaultCommandPause); err != nil {
		return err
	}

	log.Info("Module initialized")
	return nil
}

// ConnectWifi joins the access point ssid. The WiFi flag is cleared first
// and set only if the module confirms the join. The returned error tells
// ErrModuleError from ErrTimeout; the flag is the primary result.
func (s *Session) ConnectWifi(ctx context.Context, ssid, password string) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	if s.closed {
		return ErrAlreadyClosed
	}
	log := s.opLogger("connect_wifi").With(zap.String("ssid", ssid))

	s.updateState(func(st *ConnectionState) { st.WifiConnected = false })
	if s.transport == nil {
		return ErrNotInitialized
	}

	err := s.exchange(ctx, at.JoinAP(ssid, password))
	s.updateState(func(st *ConnectionState) { st.WifiConnected = err == nil })
	s.logOutcome(log, "WiFi join", err)

	if perr := pause(ctx, s.config.clock, DefaultCommandPause); err == nil {
		err = perr
	}
	return err
}

// ConnectAndUpload opens a TCP link to host:80 and sends one update line.
//
// Without a WiFi association or with an empty apiKey the call does nothing
// and returns nil. Each of the two awaited steps gates independently: a
// failed connect skips the upload and leaves LastUploadSuccessful as it
// was.
func (s *Session) ConnectAndUpload(ctx context.Context, host, apiKey string, fields Fields) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	if s.closed {
		return ErrAlreadyClosed
	}
	log := s.opLogger("connect_and_upload").With(zap.String("host", host))

	if !s.State().WifiConnected || apiKey == "" {
		log.Debug("Upload skipped, precondition not met")
		return nil
	}
	if s.transport == nil {
		return ErrNotInitialized
	}

	s.updateState(func(st *ConnectionState) { st.RemoteConnected = false })
	err := s.exchange(ctx, at.StartTCP(host, at.HTTPPort))
	s.updateState(func(st *ConnectionState) { st.RemoteConnected = err == nil })
	s.logOutcome(log, "TCP connect", err)
	if perr := pause(ctx, s.config.clock, DefaultCommandPause); perr != nil {
		return errors.Join(err, perr)
	}
	if err != nil {
		return err
	}

	s.updateState(func(st *ConnectionState) { st.LastUploadSuccessful = false })
	line := at.UpdateRequest(apiKey, fields)
	if err := s.sendCommand(ctx, at.SendLength(line), DefaultCommandPause); err != nil {
		log.Warn("Length prefix not sent", zap.Error(err))
		return err
	}
	err = s.exchange(ctx, line)
	s.updateState(func(st *ConnectionState) { st.LastUploadSuccessful = err == nil })
	s.logOutcome(log, "Upload", err)

	if perr := pause(ctx, s.config.clock, DefaultCommandPause); err == nil {
		err = perr
	}
	return err
}

// SetApMode switches the module to STA+AP mode with a multi-connection TCP
// server on port 808. Nothing is awaited and no flag changes.
func (s *Session) SetApMode(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	if s.closed {
		return ErrAlreadyClosed
	}
	if s.transport == nil {
		return ErrNotInitialized
	}
	log := s.opLogger("set_ap_mode")

	if err := s.runSequence(ctx, log, apModeSequence); err != nil {
		return err
	}
	log.Info("AP mode requested", zap.Int("port", at.ServerPort))
	return nil
}

// ListOfAvailableAPs returns whatever the module has sent since the last
// read, typically the AT+CWLAP listing queued by Initialize. The text is not
// parsed.
func (s *Session) ListOfAvailableAPs(ctx context.Context) (string, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	if s.closed {
		return "", ErrAlreadyClosed
	}
	if s.transport == nil {
		return "", ErrNotInitialized
	}
	return s.readAvailable()
}

// InformationReceived returns the frame the module would emit if the
// single connected client sent data to the AP-mode server.
//
// The pending transport text is read and compared with that frame, but the
// comparison is only logged; the caller always gets the expected frame.
func (s *Session) InformationReceived(ctx context.Context, data string) (string, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	if s.closed {
		return "", ErrAlreadyClosed
	}
	if s.transport == nil {
		return "", ErrNotInitialized
	}

	frame := at.IPDFrame(data)
	received, err := s.readAvailable()
	if err != nil {
		return "", err
	}
	// TODO: add the match to the /api/v1/received response once clients
	// stop relying on the frame-only contract.
	s.logger.Debug("Compared received data with expected frame",
		zap.Bool("matched", received == frame),
		zap.Int("received_bytes", len(received)),
	)
	return frame, nil
}

// Wait pauses between uploads. A non-positive delay returns at once.
func (s *Session) Wait(ctx context.Context, delay time.Duration) error {
	return pause(ctx, s.config.clock, delay)
}

// State returns a snapshot of the three flags.
func (s *Session) State() ConnectionState {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state
}

func (s *Session) IsWifiConnected() bool { return s.State().WifiConnected }

func (s *Session) IsRemoteConnected() bool { return s.State().RemoteConnected }

func (s *Session) IsLastUploadSuccessful() bool { return s.State().LastUploadSuccessful }

// Close releases the transport. A closed Session cannot be reused.
func (s *Session) Close() error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if s.closed {
		return ErrAlreadyClosed
	}
	s.closed = true

	if s.transport != nil {
		return s.transport.Close()
	}
	return nil
}

// sendCommand writes cmd followed by CRLF and then pauses.
func (s *Session) sendCommand(ctx context.Context, cmd string, wait time.Duration) error {
	s.logger.Debug("Sending command", zap.String("command", redact(cmd)))
	if _, err := s.transport.Write([]byte(cmd + at.CRLF)); err != nil {
		return fmt.Errorf("write command %q: %w", redact(cmd), err)
	}
	return pause(ctx, s.config.clock, wait)
}

// exchange sends cmd without a pause and waits for the module's verdict.
func (s *Session) exchange(ctx context.Context, cmd string) error {
	if err := s.sendCommand(ctx, cmd, 0); err != nil {
		return err
	}
	return s.scanner.Await(ctx)
}

// runSequence sends fire-and-forget commands. Write failures are logged and
// the sequence carries on; only cancellation stops it.
func (s *Session) runSequence(ctx context.Context, log *zap.Logger, steps []step) error {
	for _, st := range steps {
		err := s.sendCommand(ctx, st.cmd, st.pause)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			log.Warn("Setup command failed", zap.String("command", st.cmd), zap.Error(err))
		}
	}
	return nil
}

// readAvailable performs one non-blocking read.
func (s *Session) readAvailable() (string, error) {
	buf := make([]byte, 4096)
	n, err := s.transport.Read(buf)
	if err != nil && n == 0 {
		return "", fmt.Errorf("read available: %w", err)
	}
	return string(buf[:n]), nil
}

func (s *Session) updateState(fn func(*ConnectionState)) {
	s.stateMu.Lock()
	before := s.state
	fn(&s.state)
	after := s.state
	s.stateMu.Unlock()

	if after != before && s.config.listener != nil {
		s.config.listener(after)
	}
}

func (s *Session) opLogger(op string) *zap.Logger {
	return s.logger.With(
		zap.String("operation", op),
		zap.String("operation_id", uuid.NewString()),
	)
}

func (s *Session) logOutcome(log *zap.Logger, what string, err error) {
	switch {
	case err == nil:
		log.Info(what + " succeeded")
	case errors.Is(err, ErrModuleError), errors.Is(err, ErrTimeout):
		log.Warn(what+" failed", zap.Error(err))
	default:
		log.Error(what+" aborted", zap.Error(err))
	}
}

// redact hides the password of a join command.
func redact(cmd string) string {
	if !strings.HasPrefix(cmd, "AT+CWJAP=") {
		return cmd
	}
	if i := strings.LastIndex(cmd, `,"`); i >= 0 {
		return cmd[:i] + `,"***"`
	}
	return cmd
}
