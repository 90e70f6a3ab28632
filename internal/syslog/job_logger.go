package syslog

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// JobLogger captures the stdout of one backup execution in a temp file so the
// engine's output survives for inspection while the job runs.
type JobLogger struct {
	*os.File
	Path  string
	jobID string

	sync.RWMutex
}

var jobLoggers = xsync.NewMapOf[string, *JobLogger]()

func GetOrCreateJobLogger(jobID string) *JobLogger {
	logger, _ := jobLoggers.LoadOrCompute(jobID, func() *JobLogger {
		logFile, err := os.CreateTemp("", fmt.Sprintf("backup-%s-stdout-*", jobID))
		if err != nil {
			return nil
		}
		return &JobLogger{
			File:  logFile,
			Path:  logFile.Name(),
			jobID: jobID,
		}
	})

	return logger
}

func GetExistingJobLogger(jobID string) *JobLogger {
	logger, _ := jobLoggers.Load(jobID)
	return logger
}

func (j *JobLogger) WriteLine(message string) {
	j.RLock()
	defer j.RUnlock()

	timestamp := time.Now().Format(time.RFC3339)
	_, _ = j.File.WriteString(timestamp + ": " + message + "\n")
}

// Close unregisters the logger and discards its capture file. The close
// error is reported, but a capture file that is already gone is not.
func (j *JobLogger) Close() error {
	j.Lock()
	defer j.Unlock()

	jobLoggers.Delete(j.jobID)

	closeErr := j.File.Close()
	if err := os.Remove(j.Path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return closeErr
}
