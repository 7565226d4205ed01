package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"i4.energy/across/espgw/esp"
)

func main() {
	flags := pflag.NewFlagSet(os.Args[0], pflag.ExitOnError)
	RegisterFlags(flags)
	flags.Parse(os.Args[1:])
	configPath, _ := flags.GetString("config")

	config, err := LoadConfig(WithDefaults(), WithFile(configPath), WithEnv(), WithFlags(flags))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := NewLogger(config.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if config.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	hub := NewHub(logger)

	sessionConfig, err := esp.NewConfigBuilder().
		WithDialer(config.Dialer()).
		WithLogger(logger).
		WithResponseTimeout(config.Engine.ResponseTimeout).
		WithWindowSize(config.Engine.WindowSize).
		WithPollInterval(config.Engine.PollInterval).
		WithStateListener(hub.Publish).
		Build()
	if err != nil {
		logger.Fatal("Failed to create session config", zap.Error(err))
	}

	session, err := esp.New(sessionConfig)
	if err != nil {
		logger.Fatal("Failed to create session", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("Starting ESP gateway",
		zap.String("transport", config.Serial.Transport),
		zap.String("serial_port", config.Serial.Port),
		zap.Int("baud_rate", config.Serial.BaudRate),
		zap.String("thingspeak_host", config.ThingSpeak.Host),
	)

	if config.Wifi.SSID != "" {
		go autoJoin(ctx, session, config.Wifi, logger)
	}

	pump := NewPump(session, config.ThingSpeak.Host, config.ThingSpeak.APIKey, config.Upload.Interval, logger)
	go func() {
		if err := pump.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Sample pump stopped", zap.Error(err))
		}
	}()

	server := &Server{
		Logger:         logger.With(zap.String("component", "server")),
		Gateway:        session,
		Pump:           pump,
		Hub:            hub,
		ThingSpeak:     config.ThingSpeak,
		AllowedOrigins: config.Server.AllowedOrigins,
	}
	httpServer := &http.Server{
		Addr:    config.Server.BindAddress,
		Handler: server.Router(),
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("address", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server failed", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("Received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	logger.Info("Closing HTTP server")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Failed to gracefully shutdown server", zap.Error(err))
	}
	hub.Close()

	logger.Info("Closing module connection")
	if err := session.Close(); err != nil {
		logger.Error("Failed to close session", zap.Error(err))
	}
}

// autoJoin runs one Initialize and one join attempt. A failed join is
// logged and left to the operator.
func autoJoin(ctx context.Context, session Gateway, wifi WifiConfig, logger *zap.Logger) {
	log := logger.With(zap.String("ssid", wifi.SSID))

	if err := session.Initialize(ctx); err != nil {
		log.Error("Startup initialize failed", zap.Error(err))
		return
	}
	if err := session.ConnectWifi(ctx, wifi.SSID, wifi.Password); err != nil {
		log.Warn("Startup join failed", zap.Error(err))
		return
	}
	log.Info("Joined access point at startup")
}
