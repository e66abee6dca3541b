package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/ineyio/llmrouter"
	"github.com/ineyio/llmrouter/ledger"
	"github.com/ineyio/llmrouter/ledger/sqlite"
	"github.com/ineyio/llmrouter/meter"
	"github.com/ineyio/llmrouter/provider"
)

// globals holds the persistent flags shared by every command.
type globals struct {
	configPath string
	logFile    string
	logLevel   string
	ledgerPath string
}

// env is what a command needs to route requests.
type env struct {
	cfg     llmrouter.Config
	logger  *slog.Logger
	router  *llmrouter.Router
	closers []func() error
}

func (e *env) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			e.logger.Warn("close failed", "error", err)
		}
	}
}

// newLogger returns a text logger on stderr, or a JSON logger writing to a
// rotating file when path is set.
func newLogger(path, level string) (*slog.Logger, func() error, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, nil, fmt.Errorf("invalid --log-level %q: %w", level, err)
	}
	opts := &slog.HandlerOptions{Level: lvl}

	if path == "" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), func() error { return nil }, nil
	}

	lj := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    15, // megabytes
		MaxBackups: 3,
		MaxAge:     28, // days
		Compress:   true,
	}
	return slog.New(slog.NewJSONHandler(lj, opts)), lj.Close, nil
}

func (g *globals) logger() (*slog.Logger, func() error, error) {
	return newLogger(g.logFile, g.logLevel)
}

func (g *globals) config() (llmrouter.Config, error) {
	if g.configPath == "" {
		return llmrouter.Config{}, errors.New("--config is required")
	}
	return llmrouter.LoadConfig(g.configPath)
}

// openLedger opens the SQLite ledger named by --ledger.
func (g *globals) openLedger() (*sqlite.Store, error) {
	if g.ledgerPath == "" {
		return nil, errors.New("--ledger is required")
	}
	return sqlite.New(g.ledgerPath)
}

// setup loads the config and builds a router whose results are logged and,
// with --ledger, recorded.
func (g *globals) setup() (*env, error) {
	logger, closeLog, err := g.logger()
	if err != nil {
		return nil, err
	}
	e := &env{logger: logger, closers: []func() error{closeLog}}

	cfg, err := g.config()
	if err != nil {
		e.Close()
		return nil, err
	}
	e.cfg = cfg

	meters := meter.Multi{meter.NewLogMeter(logger)}
	if g.ledgerPath != "" {
		store, err := g.openLedger()
		if err != nil {
			e.Close()
			return nil, err
		}
		e.closers = append(e.closers, store.Close)
		meters = append(meters, ledger.NewMeter(store, ledger.WithLogger(logger)))
	}

	router, err := llmrouter.NewRouter(cfg, provider.NewRegistry(cfg),
		llmrouter.WithLogger(logger),
		llmrouter.WithMeter(meters),
	)
	if err != nil {
		e.Close()
		return nil, err
	}
	e.router = router
	return e, nil
}
