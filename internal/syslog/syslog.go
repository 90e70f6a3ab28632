package syslog

import (
	"os"
	"sync"

	"github.com/rs/zerolog"
)

// L is the process-wide logger. Packages log through it directly instead of
// threading a logger value through every constructor.
var L *Logger

func init() {
	logger := zerolog.New(zerolog.NewConsoleWriter(func(w *zerolog.ConsoleWriter) {
		w.Out = os.Stderr
		w.NoColor = true
	})).With().Timestamp().CallerWithSkipFrameCount(3).Logger()

	L = &Logger{zlog: &logger}
}

type Logger struct {
	zlog *zerolog.Logger
	mu   sync.RWMutex
}

// LogEntry accumulates fields for a single log line. Entries are built with
// the With* chain and emitted by Write.
type LogEntry struct {
	logger  *Logger
	Level   string
	Err     error
	Message string
	JobID   string
	Fields  map[string]any
}

func (l *Logger) newEntry(level string) *LogEntry {
	return &LogEntry{
		logger: l,
		Level:  level,
		Fields: make(map[string]any),
	}
}

func (l *Logger) Info() *LogEntry {
	return l.newEntry("info")
}

func (l *Logger) Warn() *LogEntry {
	return l.newEntry("warn")
}

func (l *Logger) Error(err error) *LogEntry {
	entry := l.newEntry("error")
	entry.Err = err
	return entry
}

func (e *LogEntry) WithMessage(msg string) *LogEntry {
	e.Message = msg
	return e
}

func (e *LogEntry) WithField(key string, value any) *LogEntry {
	e.Fields[key] = value
	return e
}

// WithJob tags the entry with a job id and mirrors it into the job's own log
// file if one is open.
func (e *LogEntry) WithJob(jobID string) *LogEntry {
	e.JobID = jobID
	return e
}

// Write finalizes the entry and emits it through the global zerolog logger.
func (e *LogEntry) Write() {
	e.logger.mu.RLock()
	defer e.logger.mu.RUnlock()

	if e.JobID != "" {
		if jobLogger := GetExistingJobLogger(e.JobID); jobLogger != nil {
			line := "[" + e.Level + "]"
			if e.Err != nil {
				line += " " + e.Err.Error()
			}
			if e.Message != "" {
				line += ": " + e.Message
			}
			jobLogger.WriteLine(line)
		}
		e.Fields["jobId"] = e.JobID
	}

	switch e.Level {
	case "warn":
		e.logger.zlog.Warn().Fields(e.Fields).Msg(e.Message)
	case "error":
		e.logger.zlog.Error().Err(e.Err).Fields(e.Fields).Msg(e.Message)
	default:
		e.logger.zlog.Info().Fields(e.Fields).Msg(e.Message)
	}
}
