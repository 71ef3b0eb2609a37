package logx

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger is a component scoped structured logger.
//
// Fields are passed either as alternating key/value pairs or as a single
// map[string]interface{}:
//
//	logger.Info("scan started", "sub_id", 3, "bands", bands)
//	logger.Info("scan started", map[string]interface{}{"sub_id": 3})
type Logger struct {
	base   *logrus.Logger
	entry  *logrus.Entry
	closer io.Closer
	mu     *sync.Mutex
}

// FileOptions controls rotation of a log file
type FileOptions struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// NewLogger creates a JSON logger writing to stdout
func NewLogger(level, component string) *Logger {
	base := logrus.New()
	base.SetOutput(os.Stdout)
	base.SetFormatter(&logrus.JSONFormatter{TimestampFormat: "2006-01-02T15:04:05.000Z07:00"})
	base.SetLevel(parseLevel(level))

	return &Logger{
		base:  base,
		entry: base.WithField("component", component),
		mu:    &sync.Mutex{},
	}
}

// NewLoggerWithFile creates a logger that writes to stdout and to a rotated file
func NewLoggerWithFile(level, component string, opts FileOptions) *Logger {
	l := NewLogger(level, component)
	if opts.Path == "" {
		return l
	}
	if opts.MaxSizeMB <= 0 {
		opts.MaxSizeMB = 5
	}
	if opts.MaxBackups <= 0 {
		opts.MaxBackups = 3
	}
	rotator := &lumberjack.Logger{
		Filename:   opts.Path,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
		Compress:   opts.Compress,
	}
	l.base.SetOutput(io.MultiWriter(os.Stdout, rotator))
	l.closer = rotator
	return l
}

// SetOutput redirects all output, mostly useful in tests
func (l *Logger) SetOutput(w io.Writer) {
	l.base.SetOutput(w)
}

// SetLevel changes the minimum level at runtime
func (l *Logger) SetLevel(level string) {
	l.base.SetLevel(parseLevel(level))
}

// Level returns the current minimum level name
func (l *Logger) Level() string {
	return l.base.GetLevel().String()
}

// With returns a child logger carrying extra fields
func (l *Logger) With(fields ...interface{}) *Logger {
	return &Logger{
		base:   l.base,
		entry:  l.entry.WithFields(toFields(fields)),
		closer: l.closer,
		mu:     l.mu,
	}
}

func (l *Logger) Trace(msg string, fields ...interface{}) {
	l.entry.WithFields(toFields(fields)).Trace(msg)
}

func (l *Logger) Debug(msg string, fields ...interface{}) {
	l.entry.WithFields(toFields(fields)).Debug(msg)
}

func (l *Logger) Info(msg string, fields ...interface{}) {
	l.entry.WithFields(toFields(fields)).Info(msg)
}

func (l *Logger) Warn(msg string, fields ...interface{}) {
	l.entry.WithFields(toFields(fields)).Warn(msg)
}

func (l *Logger) Error(msg string, fields ...interface{}) {
	l.entry.WithFields(toFields(fields)).Error(msg)
}

// LogDebugVerbose logs a named event with its data at trace level
func (l *Logger) LogDebugVerbose(event string, data map[string]interface{}) {
	if !l.base.IsLevelEnabled(logrus.TraceLevel) {
		return
	}
	f := logrus.Fields{"event": event}
	for k, v := range data {
		f[k] = normalize(v)
	}
	l.entry.WithFields(f).Trace("verbose")
}

// Close releases the rotated log file, if any
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closer == nil {
		return nil
	}
	err := l.closer.Close()
	l.closer = nil
	return err
}

func parseLevel(level string) logrus.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace", "verbose":
		return logrus.TraceLevel
	case "debug":
		return logrus.DebugLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

func toFields(fields []interface{}) logrus.Fields {
	out := logrus.Fields{}
	if len(fields) == 1 {
		if m, ok := fields[0].(map[string]interface{}); ok {
			for k, v := range m {
				out[k] = normalize(v)
			}
			return out
		}
	}
	for i := 0; i < len(fields); i += 2 {
		key := fmt.Sprint(fields[i])
		if i+1 >= len(fields) {
			out["extra"] = normalize(fields[i])
			break
		}
		out[key] = normalize(fields[i+1])
	}
	return out
}

// errors serialize as {} in JSON unless flattened
func normalize(v interface{}) interface{} {
	if err, ok := v.(error); ok && err != nil {
		return err.Error()
	}
	return v
}
