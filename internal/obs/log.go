package obs

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	loggerMu sync.Mutex
	logger   *logrus.Logger
)

// LogOptions configures the shared logger.
type LogOptions struct {
	Level  string // trace|debug|info|warning|error|fatal
	Format string // text|json
	File   string // log file prefix; empty means stdout only
}

// Logger returns the shared structured logger used across the service.
func Logger() *logrus.Logger {
	loggerMu.Lock()
	defer loggerMu.Unlock()
	if logger == nil {
		logger = newLogger(LogOptions{Format: "json"})
	}
	return logger
}

// InitLogger replaces the shared logger according to opts.
func InitLogger(opts LogOptions) error {
	l := newLogger(opts)
	if opts.File != "" {
		name := fmt.Sprintf("%s_%s.log", opts.File, time.Now().Format("2006-01-02_15-04-05"))
		f, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
		if err != nil {
			return fmt.Errorf("open log file %s: %w", name, err)
		}
		l.SetOutput(io.MultiWriter(f, os.Stdout))
	}
	loggerMu.Lock()
	logger = l
	loggerMu.Unlock()
	return nil
}

func newLogger(opts LogOptions) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stdout)
	switch opts.Level {
	case "trace":
		l.SetLevel(logrus.TraceLevel)
	case "debug":
		l.SetLevel(logrus.DebugLevel)
	case "warning", "warn":
		l.SetLevel(logrus.WarnLevel)
	case "error":
		l.SetLevel(logrus.ErrorLevel)
	case "fatal":
		l.SetLevel(logrus.FatalLevel)
	default:
		l.SetLevel(logrus.InfoLevel)
	}
	if opts.Format == "text" {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		l.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime: "ts",
			},
		})
	}
	return l
}

// LogRequest emits a structured log line with common HTTP fields.
func LogRequest(entry map[string]any) {
	Logger().WithFields(logrus.Fields(entry)).Info("request_complete")
}
