// Command atshell exposes a generic AT-command channel over HTTP: point it
// at a serial modem and POST {"command": "AT+CSQ"} to /command.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.bug.st/serial"

	"github.com/chenjiaqi/attentive/channel"
)

func main() {
	flag.String("serial-port", "/dev/ttyUSB0", "Serial port to connect to the modem")
	flag.Int("baud-rate", 115200, "Baud rate for serial communication")
	flag.String("bind-address", "0.0.0.0:8080", "Bind address for the HTTP server")
	flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	flag.Int("command-timeout", 10, "Per-command timeout, in seconds")
	flag.Parse()

	config, err := LoadConfig(WithDefaults(), WithEnv(), WithFlags(flag.CommandLine))
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: parseLogLevel(config.LogLevel)}))

	ch, err := channel.Dial(context.Background(), channel.Config{
		Dialer: channel.SerialDialer{
			PortName: config.SerialPort,
			Mode: &serial.Mode{
				BaudRate: config.BaudRate,
				Parity:   serial.NoParity,
				DataBits: 8,
				StopBits: serial.OneStopBit,
			},
		},
		Timeout: time.Duration(config.CommandTimeoutSeconds) * time.Second,
		Logger:  logger.With("component", "channel"),
	})
	if err != nil {
		logger.Error("failed to open channel", "error", err)
		os.Exit(1)
	}
	ch.SetCallbacks(nil, func(line []byte) {
		logger.Info("urc received", "line", string(line))
	})

	logger.Info("channel opened", "serial_port", config.SerialPort, "baud_rate", config.BaudRate)

	httpServer := &http.Server{
		Addr: config.BindAddress,
		Handler: &Server{
			Logger:  logger.With("component", "server"),
			Channel: ch,
		},
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("starting http server", "address", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server failed", "error", err)
			os.Exit(1)
		}
	}()

	sig := <-sigChan
	logger.Info("received shutdown signal", "signal", sig)

	logger.Info("closing channel")
	if err := ch.Free(); err != nil {
		logger.Error("failed to close channel", "error", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	logger.Info("closing http server")
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("failed to gracefully shutdown server", "error", err)
		os.Exit(1)
	}
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
