package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"i4.energy/across/espgw/esp"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testResponse struct {
	Success   bool            `json:"success"`
	Message   string          `json:"message"`
	Data      json.RawMessage `json:"data"`
	Error     *APIError       `json:"error"`
	RequestID string          `json:"request_id"`
}

type testGateway struct {
	server    *Server
	router    *gin.Engine
	transport *esp.FakeTransport
}

// newTestGateway wires a Server to a real session on a FakeTransport.
func newTestGateway(t *testing.T, respond func(string) string) *testGateway {
	t.Helper()
	clock := esp.NewFakeClock()
	transport := esp.NewFakeTransport(clock)
	transport.Respond = respond

	config, err := esp.NewConfigBuilder().
		WithDialer(esp.DialerFunc(func(ctx context.Context) (esp.Transport, error) {
			return transport, nil
		})).
		WithClock(clock).
		Build()
	if err != nil {
		t.Fatalf("unexpected error from Build(): %v", err)
	}
	session, err := esp.New(config)
	if err != nil {
		t.Fatalf("unexpected error from New(): %v", err)
	}
	t.Cleanup(func() { session.Close() })

	server := &Server{
		Logger:     zap.NewNop(),
		Gateway:    session,
		Pump:       NewPump(session, "api.example.com", "KEY", 0, zap.NewNop()),
		Hub:        NewHub(zap.NewNop()),
		ThingSpeak: ThingSpeakConfig{Host: "api.example.com", APIKey: "KEY"},
	}
	return &testGateway{server: server, router: server.Router(), transport: transport}
}

func (g *testGateway) do(t *testing.T, method, path, body string) (int, testResponse) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	g.router.ServeHTTP(rec, req)

	var resp testResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("%s %s: invalid JSON body %q: %v", method, path, rec.Body.String(), err)
	}
	return rec.Code, resp
}

func (g *testGateway) initialize(t *testing.T) {
	t.Helper()
	if code, resp := g.do(t, http.MethodPost, "/api/v1/initialize", ""); code != http.StatusOK {
		t.Fatalf("initialize returned %d: %+v", code, resp)
	}
}

func decodeState(t *testing.T, data json.RawMessage) esp.ConnectionState {
	t.Helper()
	var st esp.ConnectionState
	if err := json.Unmarshal(data, &st); err != nil {
		t.Fatalf("invalid state %s: %v", data, err)
	}
	return st
}

func joinReplies(join string) func(string) string {
	return func(cmd string) string {
		switch {
		case strings.HasPrefix(cmd, "AT+CWJAP"):
			return join
		case strings.HasPrefix(cmd, "AT+CIPSTART"):
			return "CONNECT\r\n\r\nOK\r\n"
		case strings.HasPrefix(cmd, "GET "):
			return "\r\nSEND OK\r\n"
		}
		return ""
	}
}

func TestServerHealth(t *testing.T) {
	g := newTestGateway(t, nil)

	code, resp := g.do(t, http.MethodGet, "/health", "")
	if code != http.StatusOK || !resp.Success {
		t.Errorf("expected healthy response, got %d %+v", code, resp)
	}
	if resp.RequestID == "" {
		t.Error("expected a generated request id")
	}
}

func TestServerRequestIDEcho(t *testing.T) {
	g := newTestGateway(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/state", nil)
	req.Header.Set(requestIDHeader, "abc-123")
	rec := httptest.NewRecorder()
	g.router.ServeHTTP(rec, req)

	if got := rec.Header().Get(requestIDHeader); got != "abc-123" {
		t.Errorf("expected request id echoed, got %q", got)
	}
}

func TestServerWifi(t *testing.T) {
	tests := []struct {
		name       string
		join       string
		body       string
		initialize bool
		wantStatus int
		wantCode   string
		wantWifi   bool
	}{
		{name: "Joined", join: "WIFI CONNECTED\r\nWIFI GOT IP\r\n\r\nOK\r\n", body: `{"ssid":"home","password":"pw1234"}`, initialize: true, wantStatus: http.StatusOK, wantWifi: true},
		{name: "Module error", join: "\r\nFAIL\r\n\r\nERROR\r\n", body: `{"ssid":"home","password":"wrong"}`, initialize: true, wantStatus: http.StatusBadGateway, wantCode: "MODULE_ERROR"},
		{name: "Module silent", join: "", body: `{"ssid":"home","password":"pw1234"}`, initialize: true, wantStatus: http.StatusGatewayTimeout, wantCode: "MODULE_TIMEOUT"},
		{name: "Not initialized", join: "\r\nOK\r\n", body: `{"ssid":"home","password":"pw1234"}`, wantStatus: http.StatusConflict, wantCode: "NOT_INITIALIZED"},
		{name: "Missing ssid", body: `{"password":"pw1234"}`, initialize: true, wantStatus: http.StatusBadRequest, wantCode: "BAD_REQUEST"},
		{name: "Malformed body", body: `{"ssid":`, initialize: true, wantStatus: http.StatusBadRequest, wantCode: "BAD_REQUEST"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newTestGateway(t, joinReplies(tt.join))
			if tt.initialize {
				g.initialize(t)
			}

			code, resp := g.do(t, http.MethodPost, "/api/v1/wifi", tt.body)
			if code != tt.wantStatus {
				t.Fatalf("expected status %d, got %d: %+v", tt.wantStatus, code, resp)
			}
			if tt.wantCode != "" {
				if resp.Error == nil || resp.Error.Code != tt.wantCode {
					t.Errorf("expected error code %s, got %+v", tt.wantCode, resp.Error)
				}
				return
			}
			if st := decodeState(t, resp.Data); st.WifiConnected != tt.wantWifi {
				t.Errorf("expected wifi_connected=%v, got %+v", tt.wantWifi, st)
			}
		})
	}
}

func TestServerUpload(t *testing.T) {
	const body = `{"fields":[1,2,3,4,5,6,7,8]}`

	t.Run("Skipped without WiFi", func(t *testing.T) {
		g := newTestGateway(t, joinReplies("\r\nOK\r\n"))
		g.initialize(t)
		before := len(g.transport.Commands())

		code, resp := g.do(t, http.MethodPost, "/api/v1/upload", body)
		if code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %+v", code, resp)
		}
		if !strings.Contains(resp.Message, "skipped") {
			t.Errorf("expected skipped message, got %q", resp.Message)
		}
		if after := len(g.transport.Commands()); after != before {
			t.Errorf("expected no commands, %d were written", after-before)
		}
	})

	t.Run("Uploads with configured key", func(t *testing.T) {
		g := newTestGateway(t, joinReplies("\r\nOK\r\n"))
		g.initialize(t)
		g.do(t, http.MethodPost, "/api/v1/wifi", `{"ssid":"home","password":"pw1234"}`)

		code, resp := g.do(t, http.MethodPost, "/api/v1/upload", body)
		if code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %+v", code, resp)
		}
		st := decodeState(t, resp.Data)
		if !st.RemoteConnected || !st.LastUploadSuccessful {
			t.Errorf("expected remote and upload flags true, got %+v", st)
		}

		cmds := g.transport.Commands()
		last := cmds[len(cmds)-1]
		if !strings.HasPrefix(last, "GET /update?api_key=KEY&field1=1&") {
			t.Errorf("unexpected request line %q", last)
		}
		if !slices.Contains(cmds, `AT+CIPSTART="TCP","api.example.com",80`) {
			t.Errorf("expected connect to the configured host, got %q", cmds)
		}
	})

	t.Run("Request host overrides configured host", func(t *testing.T) {
		g := newTestGateway(t, joinReplies("\r\nOK\r\n"))
		g.initialize(t)
		g.do(t, http.MethodPost, "/api/v1/wifi", `{"ssid":"home","password":"pw1234"}`)

		g.do(t, http.MethodPost, "/api/v1/upload", `{"host":"ingest.local","api_key":"OTHER","fields":[0.5]}`)
		cmds := g.transport.Commands()
		if !slices.Contains(cmds, `AT+CIPSTART="TCP","ingest.local",80`) {
			t.Errorf("expected connect to ingest.local, got %q", cmds)
		}
		if last := cmds[len(cmds)-1]; !strings.HasPrefix(last, "GET /update?api_key=OTHER&field1=0.5&field2=0&") {
			t.Errorf("unexpected request line %q", last)
		}
	})
}

func TestServerApModeAndPassThrough(t *testing.T) {
	g := newTestGateway(t, nil)
	g.initialize(t)

	g.transport.Feed("+CWLAP:(3,\"home\",-42)\r\nOK\r\n")
	code, resp := g.do(t, http.MethodGet, "/api/v1/aps", "")
	if code != http.StatusOK || !strings.Contains(string(resp.Data), "+CWLAP") {
		t.Errorf("expected raw listing, got %d %s", code, resp.Data)
	}

	code, resp = g.do(t, http.MethodPost, "/api/v1/received", `{"data":"7"}`)
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	var frame struct {
		Frame string `json:"frame"`
	}
	json.Unmarshal(resp.Data, &frame)
	if frame.Frame != "\r\n+IPD,0,1:7\r\n" {
		t.Errorf("unexpected frame %q", frame.Frame)
	}

	code, _ = g.do(t, http.MethodPost, "/api/v1/ap-mode", "")
	if code != http.StatusOK {
		t.Errorf("expected 200 from ap-mode, got %d", code)
	}
	cmds := g.transport.Commands()
	if last := cmds[len(cmds)-1]; last != "AT+CIPSERVER=1,808" {
		t.Errorf("expected server start last, got %q", last)
	}
}

func TestServerSamples(t *testing.T) {
	g := newTestGateway(t, nil)

	var pending struct {
		Replaced bool `json:"replaced_pending"`
	}

	code, resp := g.do(t, http.MethodPost, "/api/v1/samples", `{"fields":[1,2,3]}`)
	if code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", code)
	}
	json.Unmarshal(resp.Data, &pending)
	if pending.Replaced {
		t.Error("first sample cannot replace anything")
	}

	_, resp = g.do(t, http.MethodPost, "/api/v1/samples", `{"fields":[4,5,6]}`)
	json.Unmarshal(resp.Data, &pending)
	if !pending.Replaced {
		t.Error("second sample should replace the pending one")
	}

	g.server.Pump = nil
	router := g.server.Router()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/samples", strings.NewReader(`{"fields":[]}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 without a pump, got %d", rec.Code)
	}
}

func TestServerClosedSession(t *testing.T) {
	g := newTestGateway(t, nil)
	g.server.Gateway.(*esp.Session).Close()

	code, resp := g.do(t, http.MethodPost, "/api/v1/initialize", "")
	if code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 after close, got %d: %+v", code, resp)
	}
}

func TestServerRecovery(t *testing.T) {
	g := newTestGateway(t, nil)
	g.router.GET("/boom", func(c *gin.Context) { panic("boom") })

	code, resp := g.do(t, http.MethodGet, "/boom", "")
	if code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", code)
	}
	if resp.Success || resp.Error == nil || resp.Error.Code != "INTERNAL_ERROR" {
		t.Errorf("unexpected body %+v", resp)
	}
}
