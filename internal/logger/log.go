package logger

import (
	"io"
	"log"
	"os"
	"strings"
	"sync"
)

type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

func (l Level) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel maps a level name to a Level. Unknown names fall back to INFO.
func ParseLevel(level string) Level {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return DEBUG
	case "INFO":
		return INFO
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	default:
		return INFO
	}
}

// Logger is a leveled logger. Loggers derived with Named share the
// underlying writers and lock.
type Logger struct {
	level     Level
	component string
	mu        *sync.Mutex
	debugLog  *log.Logger
	infoLog   *log.Logger
	warnLog   *log.Logger
	errorLog  *log.Logger
}

func New(level string) *Logger {
	return NewWithWriter(level, os.Stderr)
}

// NewWithWriter is New writing to w instead of stderr.
func NewWithWriter(level string, w io.Writer) *Logger {
	flags := log.LstdFlags | log.Lmicroseconds

	return &Logger{
		level:    ParseLevel(level),
		mu:       &sync.Mutex{},
		debugLog: log.New(w, "[DEBUG] ", flags),
		infoLog:  log.New(w, "[INFO] ", flags),
		warnLog:  log.New(w, "[WARN] ", flags),
		errorLog: log.New(w, "[ERROR] ", flags),
	}
}

// Discard returns a logger that drops everything.
func Discard() *Logger {
	l := NewWithWriter("ERROR", io.Discard)
	l.level = ERROR + 1
	return l
}

// Named returns a copy of l that prefixes every message with component.
func (l *Logger) Named(component string) *Logger {
	c := *l
	if c.component != "" {
		c.component = c.component + "." + component
	} else {
		c.component = component
	}
	return &c
}

// Level reports the minimum level l emits.
func (l *Logger) Level() Level {
	return l.level
}

func (l *Logger) output(lg *log.Logger, format string, args ...interface{}) {
	if l.component != "" {
		format = l.component + ": " + format
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	lg.Printf(format, args...)
}

func (l *Logger) Debug(format string, args ...interface{}) {
	if l.level <= DEBUG {
		l.output(l.debugLog, format, args...)
	}
}

func (l *Logger) Info(format string, args ...interface{}) {
	if l.level <= INFO {
		l.output(l.infoLog, format, args...)
	}
}

func (l *Logger) Warn(format string, args ...interface{}) {
	if l.level <= WARN {
		l.output(l.warnLog, format, args...)
	}
}

func (l *Logger) Error(format string, args ...interface{}) {
	if l.level <= ERROR {
		l.output(l.errorLog, format, args...)
	}
}

// Writer returns an io.Writer that logs each write at INFO. Libraries that
// take a LogOutput (memberlist, raft transports) are pointed at it.
func (l *Logger) Writer() io.Writer {
	return writerFunc(func(p []byte) (int, error) {
		l.Info("%s", strings.TrimRight(string(p), "\n"))
		return len(p), nil
	})
}

type writerFunc func(p []byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }
