//go:build !windows

package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeStub installs an executable shell script that stands in for the
// engine binary.
func writeStub(t *testing.T, script string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "engine-stub")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755))
	return path
}

func TestBackupParsesStream(t *testing.T) {
	stub := writeStub(t, `
echo '{"message_type":"status","percent_done":0.25,"total_files":40,"files_done":10,"total_bytes":4000,"bytes_done":1000,"current_files":["/src/a.txt"]}'
echo '{"message_type":"status","percent_done":0.5,"total_files":40,"files_done":20,"total_bytes":4000,"bytes_done":2000}'
echo 'not json at all'
echo '{"message_type":"summary","files_new":5,"files_changed":3,"files_unmodified":32,"data_added":512,"total_files_processed":40,"total_bytes_processed":4000,"snapshot_id":"abc123"}'
`)
	client := NewClient(stub, "/tmp/repo", time.Minute)

	var seen []Progress
	summary, err := client.Backup(context.Background(), BackupRequest{
		DeviceID:   "nas",
		ShareID:    "docs",
		SourcePath: "/src",
	}, func(p Progress) { seen = append(seen, p) })
	require.NoError(t, err)

	assert.Equal(t, "abc123", summary.SnapshotID)
	assert.EqualValues(t, 5, summary.FilesNew)
	assert.EqualValues(t, 40, summary.FilesProcessed)
	assert.EqualValues(t, 4000, summary.BytesProcessed)

	require.Len(t, seen, 2, "malformed lines are skipped, not fatal")
	assert.InDelta(t, 25, seen[0].Percent, 0.01)
	assert.Equal(t, "/src/a.txt", seen[0].CurrentFile)
	assert.Empty(t, seen[1].CurrentFile)
}

func TestBackupArgumentsAndEnv(t *testing.T) {
	// The stub echoes its invocation back through the summary snapshot id
	// and fails unless the repository env var arrived.
	stub := writeStub(t, `
[ "$RESTIC_REPOSITORY" = "/tmp/repo" ] || { echo "repository not set" >&2; exit 1; }
printf '{"message_type":"summary","snapshot_id":"%s"}\n' "$*" | tr ' ' '_'
`)
	client := NewClient(stub, "/tmp/repo", time.Minute)

	summary, err := client.Backup(context.Background(), BackupRequest{
		DeviceID:       "nas",
		ShareID:        "docs",
		SourcePath:     "/src",
		Exclusions:     []string{"*.tmp"},
		ParentSnapshot: "parent1",
	}, nil)
	require.NoError(t, err)

	assert.Equal(t,
		"backup_--json_/src_--tag_device:nas_--tag_share:docs_--exclude_*.tmp_--parent_parent1",
		summary.SnapshotID)
}

func TestBackupNonZeroExit(t *testing.T) {
	stub := writeStub(t, `
echo "Fatal: unable to open repository" >&2
exit 1
`)
	client := NewClient(stub, "/tmp/repo", time.Minute)

	_, err := client.Backup(context.Background(), BackupRequest{SourcePath: "/src"}, nil)
	require.ErrorIs(t, err, ErrEngineExit)
	assert.Contains(t, err.Error(), "unable to open repository")
}

func TestBackupMissingSummary(t *testing.T) {
	stub := writeStub(t, `
echo '{"message_type":"status","percent_done":1}'
`)
	client := NewClient(stub, "/tmp/repo", time.Minute)

	_, err := client.Backup(context.Background(), BackupRequest{SourcePath: "/src"}, nil)
	require.ErrorIs(t, err, ErrEngineExit)
	assert.Contains(t, err.Error(), "no summary")
}

func TestBackupMissingBinary(t *testing.T) {
	client := NewClient(filepath.Join(t.TempDir(), "absent"), "/tmp/repo", time.Minute)

	_, err := client.Backup(context.Background(), BackupRequest{SourcePath: "/src"}, nil)
	assert.ErrorIs(t, err, ErrEngineStart)
}

func TestBackupTimeout(t *testing.T) {
	stub := writeStub(t, `sleep 60`)
	client := NewClient(stub, "/tmp/repo", 100*time.Millisecond)

	start := time.Now()
	_, err := client.Backup(context.Background(), BackupRequest{SourcePath: "/src"}, nil)
	assert.ErrorIs(t, err, ErrEngineTimedOut)
	assert.Less(t, time.Since(start), 30*time.Second,
		"the subprocess is killed rather than awaited")
}

func TestBackupCancellation(t *testing.T) {
	stub := writeStub(t, `sleep 60`)
	client := NewClient(stub, "/tmp/repo", time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	_, err := client.Backup(ctx, BackupRequest{SourcePath: "/src"}, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLatestSnapshot(t *testing.T) {
	stub := writeStub(t, `
echo '[{"id":"snap9","time":"2026-08-30T03:00:00Z","summary":{"total_files_processed":77,"total_bytes_processed":7700}}]'
`)
	client := NewClient(stub, "/tmp/repo", time.Minute)

	snapshot, err := client.LatestSnapshot(context.Background(), "nas", "docs")
	require.NoError(t, err)
	assert.Equal(t, "snap9", snapshot.ID)
	assert.EqualValues(t, 77, snapshot.FileCount)
	assert.EqualValues(t, 7700, snapshot.ByteCount)
	assert.Equal(t, 2026, snapshot.Time.Year())
}

func TestLatestSnapshotEmpty(t *testing.T) {
	stub := writeStub(t, `echo '[]'`)
	client := NewClient(stub, "/tmp/repo", time.Minute)

	_, err := client.LatestSnapshot(context.Background(), "nas", "docs")
	assert.ErrorIs(t, err, ErrNoSnapshot)
}
