package esp

import "errors"

var (
	// ErrNoDialer is returned when a Session is constructed without a Dialer.
	//
	// This indicates a configuration error. A Dialer is required in order to
	// reach the module.
	ErrNoDialer = errors.New("no dialer configured")

	// ErrNotInitialized is returned when an operation that talks to the
	// module is attempted before Initialize opened the transport.
	ErrNotInitialized = errors.New("module not initialized")

	// ErrAlreadyClosed is returned when Close is called on a Session that has
	// already been closed, or when any operation is attempted afterwards.
	ErrAlreadyClosed = errors.New("session already closed")

	// ErrModuleError is returned when the module answers with a failure
	// token (ERROR or SEND FAIL).
	ErrModuleError = errors.New("module reported failure")

	// ErrTimeout is returned when no terminal token arrives within the
	// response timeout. It is also what a token evicted from the response
	// window looks like to the caller.
	ErrTimeout = errors.New("response timeout")

	// ErrUnsupportedBaudRate is returned by dialers and config validation
	// for baud rates outside SupportedBaudRates.
	ErrUnsupportedBaudRate = errors.New("unsupported baud rate")
)
