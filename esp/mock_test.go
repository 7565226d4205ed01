package esp_test

import (
	gomock "go.uber.org/mock/gomock"
	"i4.energy/across/espgw/esp"
)

// MockSequenceBuilder collects ordered transport expectations for one
// scripted exchange with the module.
type MockSequenceBuilder struct {
	transport *esp.MockTransport
	calls     []any
}

func NewMockSequence(transport *esp.MockTransport) *MockSequenceBuilder {
	return &MockSequenceBuilder{
		transport: transport,
		calls:     []any{},
	}
}

// Command expects cmd to be written with its CRLF terminator.
func (b *MockSequenceBuilder) Command(cmd string) *MockSequenceBuilder {
	wire := []byte(cmd + "\r\n")
	b.calls = append(b.calls,
		b.transport.EXPECT().Write(wire).Return(len(wire), nil),
	)
	return b
}

// Reply makes the next read return resp in one piece.
func (b *MockSequenceBuilder) Reply(resp string) *MockSequenceBuilder {
	b.calls = append(b.calls,
		b.transport.EXPECT().Read(gomock.Any()).DoAndReturn(func(p []byte) (int, error) {
			return copy(p, resp), nil
		}),
	)
	return b
}

// Init expects the five station-mode setup commands.
func (b *MockSequenceBuilder) Init() *MockSequenceBuilder {
	return b.
		Command("AT+RESTORE").
		Command("AT+CWMODE=1").
		Command("ATE0").
		Command("AT+CWLAPOPT=1,2,-50,1").
		Command("AT+CWLAP")
}

// JoinOK expects a join for ssid/password that the module accepts.
func (b *MockSequenceBuilder) JoinOK(ssid, password string) *MockSequenceBuilder {
	return b.
		Command(`AT+CWJAP="` + ssid + `","` + password + `"`).
		Reply("WIFI CONNECTED\r\nWIFI GOT IP\r\n\r\nOK\r\n")
}

// ConnectTCP expects a TCP connect to host:80 answered with resp.
func (b *MockSequenceBuilder) ConnectTCP(host, resp string) *MockSequenceBuilder {
	return b.
		Command(`AT+CIPSTART="TCP","` + host + `",80`).
		Reply(resp)
}

func (b *MockSequenceBuilder) Build() []any {
	return b.calls
}

// initMockCalls returns the expectations of a plain Initialize.
func initMockCalls(transport *esp.MockTransport) []any {
	return NewMockSequence(transport).Init().Build()
}
