// Package engine wraps the external backup tool as a subprocess. The tool is
// an opaque collaborator: it receives a source path and exclude rules, streams
// JSON progress lines on stdout, and finishes with a machine-parseable summary
// or a non-zero exit.
package engine

import (
	"context"
	"errors"
	"time"
)

// Sentinel error values.
var (
	ErrEngineStart    = errors.New("backup engine start error")
	ErrEngineExit     = errors.New("backup engine exited with error")
	ErrEngineTimedOut = errors.New("backup engine invocation timed out")
	ErrNoSnapshot     = errors.New("no snapshot found")
)

// BackupRequest describes one engine invocation.
type BackupRequest struct {
	DeviceID   string
	ShareID    string
	SourcePath string
	Exclusions []string
	// ParentSnapshot, when set, lets the engine deduplicate against an
	// existing snapshot instead of scanning from scratch.
	ParentSnapshot string
}

// Progress mirrors one status line of the engine's JSON stream.
type Progress struct {
	Percent     float64
	FilesDone   int64
	FilesTotal  int64
	BytesDone   int64
	BytesTotal  int64
	CurrentFile string
}

// Summary is the engine's success report for one completed invocation.
type Summary struct {
	SnapshotID      string
	FilesNew        int64
	FilesChanged    int64
	FilesUnmodified int64
	BytesAdded      int64
	BytesProcessed  int64
	FilesProcessed  int64
}

// Snapshot is one existing backup artifact known to the engine.
type Snapshot struct {
	ID        string
	Time      time.Time
	FileCount int64
	ByteCount int64
}

// Engine is the subprocess-backed backup tool. Implementations must honor
// context cancellation by terminating the tool's full process tree.
type Engine interface {
	Backup(ctx context.Context, req BackupRequest, onProgress func(Progress)) (*Summary, error)
	LatestSnapshot(ctx context.Context, deviceID, shareID string) (*Snapshot, error)
}
