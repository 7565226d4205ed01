package at

const (
	// Terminal Control
	CRLF = "\r\n"

	// Success tokens
	OK               = "OK"
	AlreadyConnected = "ALREADY CONNECTED"

	// Failure tokens
	ERROR    = "ERROR"
	SendFail = "SEND FAIL"

	// Inbound data prefix in multi-connection mode
	IPD = "+IPD"
)

// Administrative commands. None of these take arguments.
const (
	CmdRestore       = "AT+RESTORE"
	CmdRestart       = "AT+RST"
	CmdStationMode   = "AT+CWMODE=1"
	CmdDualMode      = "AT+CWMODE=3"
	CmdEchoOff       = "ATE0"
	CmdListAPOptions = "AT+CWLAPOPT=1,2,-50,1"
	CmdListAPs       = "AT+CWLAP"
	CmdMultiConn     = "AT+CIPMUX=1"
)

const (
	// HTTPPort is the remote port used for uploads.
	HTTPPort = 80
	// ServerPort is the TCP port the module listens on in AP mode.
	ServerPort = 808
)

// Outcome is the verdict of scanning a response window.
type Outcome int

const (
	Pending Outcome = iota // no terminal token seen yet
	Success                // OK, ALREADY CONNECTED
	Failure                // ERROR, SEND FAIL
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case Failure:
		return "failure"
	default:
		return "pending"
	}
}
