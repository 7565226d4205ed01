package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"i4.energy/across/espgw/esp"
)

// Gateway is the module session as seen by the HTTP façade.
type Gateway interface {
	Initialize(ctx context.Context) error
	ConnectWifi(ctx context.Context, ssid, password string) error
	ConnectAndUpload(ctx context.Context, host, apiKey string, fields esp.Fields) error
	SetApMode(ctx context.Context) error
	ListOfAvailableAPs(ctx context.Context) (string, error)
	InformationReceived(ctx context.Context, data string) (string, error)
	State() esp.ConnectionState
}

// Server handles incoming HTTP requests for interacting with the
// configured module session
type Server struct {
	Logger     *zap.Logger
	Gateway    Gateway
	Pump       *Pump
	Hub        *Hub
	ThingSpeak ThingSpeakConfig
	// AllowedOrigins is passed to the CORS middleware
	AllowedOrigins []string
}

// APIResponse is the envelope of every JSON response
type APIResponse struct {
	Success   bool      `json:"success"`
	Message   string    `json:"message"`
	Data      any       `json:"data,omitempty"`
	Error     *APIError `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id,omitempty"`
}

// APIError describes a failed request
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// Router builds the gin engine with middleware and routes
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(RecoveryMiddleware(s.Logger))
	router.Use(RequestIDMiddleware())
	router.Use(LoggingMiddleware(s.Logger))
	router.Use(CORSMiddleware(s.AllowedOrigins))

	router.GET("/health", s.handleHealth)
	if s.Hub != nil {
		router.GET("/ws/state", s.Hub.ServeWS)
	}

	v1 := router.Group("/api/v1")
	v1.GET("/state", s.handleState)
	v1.POST("/initialize", s.handleInitialize)
	v1.POST("/wifi", s.handleWifi)
	v1.POST("/upload", s.handleUpload)
	v1.POST("/ap-mode", s.handleApMode)
	v1.GET("/aps", s.handleAPs)
	v1.POST("/received", s.handleReceived)
	v1.POST("/samples", s.handleSamples)

	return router
}

func (s *Server) handleHealth(c *gin.Context) {
	successResponse(c, http.StatusOK, "ok", gin.H{"state": s.Gateway.State()})
}

func (s *Server) handleState(c *gin.Context) {
	successResponse(c, http.StatusOK, "Connection state", s.Gateway.State())
}

func (s *Server) handleInitialize(c *gin.Context) {
	if err := s.Gateway.Initialize(c.Request.Context()); err != nil {
		s.Logger.Error("Failed to initialize module", zap.Error(err))
		s.sessionError(c, "Failed to initialize module", err)
		return
	}
	successResponse(c, http.StatusOK, "Module initialized", s.Gateway.State())
}

// WifiRequest is the body of POST /api/v1/wifi
type WifiRequest struct {
	SSID     string `json:"ssid" binding:"required"`
	Password string `json:"password"`
}

func (s *Server) handleWifi(c *gin.Context) {
	var req WifiRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	if err := s.Gateway.ConnectWifi(c.Request.Context(), req.SSID, req.Password); err != nil {
		s.Logger.Warn("Failed to join access point", zap.String("ssid", req.SSID), zap.Error(err))
		s.sessionError(c, "Failed to join access point", err)
		return
	}
	successResponse(c, http.StatusOK, "Access point joined", s.Gateway.State())
}

// UploadRequest is the body of POST /api/v1/upload and /api/v1/samples.
// Host and APIKey fall back to the configured ThingSpeak settings.
type UploadRequest struct {
	Host   string     `json:"host"`
	APIKey string     `json:"api_key"`
	Fields esp.Fields `json:"fields"`
}

func (s *Server) handleUpload(c *gin.Context) {
	var req UploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Host == "" {
		req.Host = s.ThingSpeak.Host
	}
	if req.APIKey == "" {
		req.APIKey = s.ThingSpeak.APIKey
	}

	if !s.Gateway.State().WifiConnected || req.APIKey == "" {
		successResponse(c, http.StatusOK, "Upload skipped, WiFi not connected or no API key", s.Gateway.State())
		return
	}

	if err := s.Gateway.ConnectAndUpload(c.Request.Context(), req.Host, req.APIKey, req.Fields); err != nil {
		s.Logger.Warn("Upload failed", zap.String("host", req.Host), zap.Error(err))
		s.sessionError(c, "Upload failed", err)
		return
	}
	successResponse(c, http.StatusOK, "Upload sent", s.Gateway.State())
}

func (s *Server) handleApMode(c *gin.Context) {
	if err := s.Gateway.SetApMode(c.Request.Context()); err != nil {
		s.Logger.Error("Failed to switch to AP mode", zap.Error(err))
		s.sessionError(c, "Failed to switch to AP mode", err)
		return
	}
	successResponse(c, http.StatusOK, "AP mode requested", s.Gateway.State())
}

func (s *Server) handleAPs(c *gin.Context) {
	raw, err := s.Gateway.ListOfAvailableAPs(c.Request.Context())
	if err != nil {
		s.sessionError(c, "Failed to read access point list", err)
		return
	}
	successResponse(c, http.StatusOK, "Access point list", gin.H{"raw": raw})
}

// ReceivedRequest is the body of POST /api/v1/received
type ReceivedRequest struct {
	Data string `json:"data"`
}

func (s *Server) handleReceived(c *gin.Context) {
	var req ReceivedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	frame, err := s.Gateway.InformationReceived(c.Request.Context(), req.Data)
	if err != nil {
		s.sessionError(c, "Failed to read received data", err)
		return
	}
	successResponse(c, http.StatusOK, "Expected frame", gin.H{"frame": frame})
}

// SampleRequest is the body of POST /api/v1/samples
type SampleRequest struct {
	Fields esp.Fields `json:"fields"`
}

func (s *Server) handleSamples(c *gin.Context) {
	if s.Pump == nil {
		errorResponse(c, http.StatusServiceUnavailable, "Sample pump not running", nil)
		return
	}

	var req SampleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	replaced := s.Pump.Offer(req.Fields)
	successResponse(c, http.StatusAccepted, "Sample queued", gin.H{"replaced_pending": replaced})
}

// sessionError maps session errors to HTTP status codes
func (s *Server) sessionError(c *gin.Context, message string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, esp.ErrModuleError):
		status = http.StatusBadGateway
	case errors.Is(err, esp.ErrTimeout):
		status = http.StatusGatewayTimeout
	case errors.Is(err, esp.ErrNotInitialized):
		status = http.StatusConflict
	case errors.Is(err, esp.ErrAlreadyClosed),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		status = http.StatusServiceUnavailable
	}
	errorResponse(c, status, message, err)
}

func successResponse(c *gin.Context, statusCode int, message string, data any) {
	c.JSON(statusCode, APIResponse{
		Success:   true,
		Message:   message,
		Data:      data,
		Timestamp: time.Now(),
		RequestID: c.GetString("request_id"),
	})
}

func errorResponse(c *gin.Context, statusCode int, message string, err error) {
	apiError := &APIError{
		Code:    errorCode(statusCode),
		Message: message,
	}
	if err != nil {
		apiError.Details = err.Error()
	}

	c.AbortWithStatusJSON(statusCode, APIResponse{
		Success:   false,
		Message:   message,
		Error:     apiError,
		Timestamp: time.Now(),
		RequestID: c.GetString("request_id"),
	})
}

func errorCode(statusCode int) string {
	switch statusCode {
	case http.StatusBadRequest:
		return "BAD_REQUEST"
	case http.StatusConflict:
		return "NOT_INITIALIZED"
	case http.StatusBadGateway:
		return "MODULE_ERROR"
	case http.StatusGatewayTimeout:
		return "MODULE_TIMEOUT"
	case http.StatusServiceUnavailable:
		return "UNAVAILABLE"
	default:
		return "INTERNAL_ERROR"
	}
}
