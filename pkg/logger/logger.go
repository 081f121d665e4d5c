package logger

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Config describes how the application logger should behave.
type Config struct {
	Level       string
	Format      string
	OutputPaths []string
	AddSource   bool
	Audit       AuditConfig
}

// AuditConfig controls the audit trail. Every on-chain transaction and phase
// transition is written there, so the file is synced after each record.
type AuditConfig struct {
	Enabled    bool
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

var (
	level    = new(slog.LevelVar)
	appSink  = newSink(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level, ReplaceAttr: redactSecrets}))
	auditOut = newSink(nil)

	mu      sync.Mutex
	closers []io.Closer
)

// Init (re)configures the global sinks. Loggers obtained through Named or
// Audit before Init switch to the new outputs as well.
func Init(cfg Config) error {
	mu.Lock()
	defer mu.Unlock()

	level.Set(parseLevel(cfg.Level))
	opts := &slog.HandlerOptions{Level: level, AddSource: cfg.AddSource, ReplaceAttr: redactSecrets}

	var opened []io.Closer
	handler, err := buildHandler(cfg.Format, cfg.OutputPaths, opts, &opened)
	if err != nil {
		closeAll(opened)
		return err
	}
	var audit slog.Handler
	if cfg.Audit.Enabled {
		audit, err = buildAuditHandler(cfg.Audit, &opened)
		if err != nil {
			closeAll(opened)
			return err
		}
	}

	appSink.store(handler)
	auditOut.store(audit)
	previous := closers
	closers = opened
	closeAll(previous)
	return nil
}

// SetLevel adjusts the minimum level of the application logger at runtime.
func SetLevel(name string) {
	level.Set(parseLevel(name))
}

func buildHandler(format string, outputs []string, opts *slog.HandlerOptions, opened *[]io.Closer) (slog.Handler, error) {
	if len(outputs) == 0 {
		outputs = []string{"stdout"}
	}
	writers := make([]io.Writer, 0, len(outputs))
	for _, out := range outputs {
		writer, closer, err := openWriter(out)
		if err != nil {
			return nil, err
		}
		if closer != nil {
			*opened = append(*opened, closer)
		}
		writers = append(writers, writer)
	}

	writer := writers[0]
	if len(writers) > 1 {
		writer = io.MultiWriter(writers...)
	}
	if strings.EqualFold(format, "text") {
		return slog.NewTextHandler(writer, opts), nil
	}
	return slog.NewJSONHandler(writer, opts), nil
}

func buildAuditHandler(cfg AuditConfig, opened *[]io.Closer) (slog.Handler, error) {
	if cfg.Path == "" {
		return nil, errors.New("audit log path cannot be empty when enabled")
	}
	writer, err := newAuditFile(cfg.Path, cfg.MaxSizeMB, cfg.MaxBackups, cfg.MaxAgeDays)
	if err != nil {
		return nil, err
	}
	*opened = append(*opened, writer)
	handler := slog.NewJSONHandler(writer, &slog.HandlerOptions{Level: slog.LevelInfo, ReplaceAttr: redactSecrets})
	return handler.WithAttrs([]slog.Attr{slog.String("stream", "audit")}), nil
}

func openWriter(path string) (io.Writer, io.Closer, error) {
	switch strings.ToLower(path) {
	case "stdout":
		return os.Stdout, nil, nil
	case "stderr":
		return os.Stderr, nil, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, nil, fmt.Errorf("create log directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file %s: %w", path, err)
	}
	return file, file, nil
}

func parseLevel(name string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func closeAll(list []io.Closer) error {
	var err error
	for _, c := range list {
		err = errors.Join(err, c.Close())
	}
	return err
}

// L returns the application logger.
func L() *slog.Logger {
	return slog.New(&switchHandler{sink: appSink})
}

// Audit returns the audit logger. Without an audit sink it writes to the
// application logger.
func Audit() *slog.Logger {
	return slog.New(&switchHandler{sink: auditOut, fallback: appSink})
}

// Sync flushes and closes file outputs. Subsequent records go to stdout.
func Sync() error {
	mu.Lock()
	defer mu.Unlock()
	appSink.store(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level, ReplaceAttr: redactSecrets}))
	auditOut.store(nil)
	err := closeAll(closers)
	closers = nil
	return err
}

// Named returns a child logger tagged with the provided component name.
func Named(name string) *slog.Logger {
	return L().With(slog.String("component", name))
}

// sensitiveKeys lists attribute keys whose values never reach a log sink.
var sensitiveKeys = map[string]struct{}{
	"private_key":     {},
	"private_key_ref": {},
	"passphrase":      {},
	"password":        {},
	"secret":          {},
	"token":           {},
	"api_key":         {},
	"access_secret":   {},
	"authorization":   {},
	"proxy_auth":      {},
	"dsn":             {},
}

var sensitiveSuffixes = []string{"_secret", "_token", "_passphrase", "_api_key", "_password"}

func redactSecrets(_ []string, attr slog.Attr) slog.Attr {
	key := strings.ToLower(attr.Key)
	if _, ok := sensitiveKeys[key]; ok {
		return slog.String(attr.Key, "***")
	}
	for _, suffix := range sensitiveSuffixes {
		if strings.HasSuffix(key, suffix) {
			return slog.String(attr.Key, "***")
		}
	}
	return attr
}
