package main

import (
	"flag"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/Eddym06/chrome-devTools-advanced-mcp/internal/browser"
	"github.com/Eddym06/chrome-devTools-advanced-mcp/internal/config"
	"github.com/Eddym06/chrome-devTools-advanced-mcp/internal/intercept"
	"github.com/Eddym06/chrome-devTools-advanced-mcp/internal/mcpserver"
	"github.com/Eddym06/chrome-devTools-advanced-mcp/internal/stealth"
)

func main() {
	port := flag.Int("port", 9222, "Chromium remote debugging port")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	if err := setupLogger(cfg.LogLevel, cfg.LogFile); err != nil {
		if _, writeErr := io.WriteString(os.Stderr, "logger setup failed: "+err.Error()+"\n"); writeErr != nil {
			slog.Debug("logger setup stderr write failed", "error", writeErr)
		}
		os.Exit(1)
	}

	slog.Info("chrome-devtools-mcp starting",
		"port", *port,
		"cdp_host", cfg.CDPHost,
		"tool_timeout", cfg.ToolTimeout,
		"resume_timeout", cfg.ResumeTimeout,
		"log_level", cfg.LogLevel,
		"log_file", cfg.LogFile,
	)

	orch := browser.NewOrchestrator(cfg, *port)
	inj := stealth.NewInjector()
	engine := intercept.NewEngine(cfg)

	orch.OnConnect(inj.Arm)
	orch.OnTeardown(func(reason string) {
		engine.TeardownAll(reason)
		inj.Reset()
	})

	srv := mcpserver.New(cfg, orch, engine, inj)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down on signal", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			slog.Error("stdio server failed", "error", err)
			orch.Disconnect("server error")
			os.Exit(1)
		}
		slog.Info("stdio client disconnected")
	}

	// Drops the connection only; the user's browser stays up unless they
	// asked close_browser for it.
	orch.Disconnect("shutdown")
}

// setupLogger routes logs to stderr and a rotated file. Stdout carries the
// JSON-RPC stream and must stay clean.
func setupLogger(level, filename string) error {
	if err := os.MkdirAll(filepath.Dir(filename), 0o755); err != nil {
		return err
	}

	logWriter := &lumberjack.Logger{
		Filename:   filename,
		MaxSize:    25,
		MaxBackups: 10,
		MaxAge:     14,
		Compress:   true,
	}

	var slogLevel slog.Level
	switch level {
	case "debug":
		slogLevel = slog.LevelDebug
	case "warn":
		slogLevel = slog.LevelWarn
	case "error":
		slogLevel = slog.LevelError
	default:
		slogLevel = slog.LevelInfo
	}

	h := slog.NewTextHandler(io.MultiWriter(os.Stderr, logWriter), &slog.HandlerOptions{Level: slogLevel})
	slog.SetDefault(slog.New(h))
	return nil
}
