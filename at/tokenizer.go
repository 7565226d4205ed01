package at

import (
	"bytes"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	successTokens = [][]byte{[]byte(OK), []byte(AlreadyConnected)}
	failureTokens = [][]byte{[]byte(ERROR), []byte(SendFail)}
)

// Match scans the whole response window for terminal tokens.
//
// Success tokens are checked first, so a window that holds both "OK" and
// "ERROR" is a Success. The window is searched as a plain substring so a
// token split across two reads is found once both halves are present.
func Match(window []byte) Outcome {
	for _, tok := range successTokens {
		if bytes.Contains(window, tok) {
			return Success
		}
	}
	for _, tok := range failureTokens {
		if bytes.Contains(window, tok) {
			return Failure
		}
	}
	return Pending
}

// JoinAP builds the station join command. Both values are embedded
// verbatim between double quotes; quotes inside them are not escaped.
func JoinAP(ssid, password string) string {
	return `AT+CWJAP="` + ssid + `","` + password + `"`
}

// StartTCP builds the command opening a TCP link to host:port.
func StartTCP(host string, port int) string {
	return `AT+CIPSTART="TCP","` + host + `",` + strconv.Itoa(port)
}

// StartServer builds the command that starts the module's TCP server.
func StartServer(port int) string {
	return "AT+CIPSERVER=1," + strconv.Itoa(port)
}

// SendLength builds the length prefix for a payload line. The declared
// size covers the CRLF the line is sent with.
func SendLength(line string) string {
	return "AT+CIPSEND=" + strconv.Itoa(len(line)+len(CRLF))
}

// FieldCount is the number of numeric fields carried by one update.
const FieldCount = 8

// UpdateRequest builds the ThingSpeak-style ingestion line. Fields are
// written in order field1..field8 using their shortest decimal form.
func UpdateRequest(apiKey string, fields [FieldCount]float64) string {
	var b strings.Builder
	b.WriteString("GET /update?api_key=")
	b.WriteString(apiKey)
	for i, v := range fields {
		fmt.Fprintf(&b, "&field%d=%s", i+1, FormatField(v))
	}
	return b.String()
}

// FormatField renders a sample value the way it appears in the query
// string: integers without a fraction, others without trailing zeros.
// NaN and infinities have no decimal form and are written as strconv does.
func FormatField(v float64) string {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return strconv.FormatFloat(v, 'g', -1, 64)
	}
	return decimal.NewFromFloat(v).String()
}

// IPDFrame builds the frame the module emits when a single-connection
// client sends payload to the AP-mode server.
func IPDFrame(payload string) string {
	return CRLF + IPD + ",0," + strconv.Itoa(len(payload)) + ":" + payload + CRLF
}
