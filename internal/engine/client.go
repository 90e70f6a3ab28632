package engine

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/goccy/go-json"

	"github.com/snapguard/snapguard/internal/syslog"
)

const killGrace = 10 * time.Second

// Client invokes a restic-compatible CLI. One invocation per Backup call;
// no engine state is held between calls.
type Client struct {
	binary     string
	repository string
	timeout    time.Duration
}

func NewClient(binary, repository string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	return &Client{
		binary:     binary,
		repository: repository,
		timeout:    timeout,
	}
}

// statusLine and summaryLine mirror the engine's JSON stream. Lines carry a
// message_type discriminator; anything unrecognized is skipped.
type statusLine struct {
	MessageType  string   `json:"message_type"`
	PercentDone  float64  `json:"percent_done"`
	TotalFiles   int64    `json:"total_files"`
	FilesDone    int64    `json:"files_done"`
	TotalBytes   int64    `json:"total_bytes"`
	BytesDone    int64    `json:"bytes_done"`
	CurrentFiles []string `json:"current_files"`
}

type summaryLine struct {
	MessageType         string `json:"message_type"`
	FilesNew            int64  `json:"files_new"`
	FilesChanged        int64  `json:"files_changed"`
	FilesUnmodified     int64  `json:"files_unmodified"`
	DataAdded           int64  `json:"data_added"`
	TotalFilesProcessed int64  `json:"total_files_processed"`
	TotalBytesProcessed int64  `json:"total_bytes_processed"`
	SnapshotID          string `json:"snapshot_id"`
}

type snapshotLine struct {
	ID      string    `json:"id"`
	Time    time.Time `json:"time"`
	Summary struct {
		TotalFilesProcessed int64 `json:"total_files_processed"`
		TotalBytesProcessed int64 `json:"total_bytes_processed"`
	} `json:"summary"`
}

func (c *Client) Backup(ctx context.Context, req BackupRequest, onProgress func(Progress)) (*Summary, error) {
	runCtx, cancel := context.WithTimeoutCause(ctx, c.timeout, ErrEngineTimedOut)
	defer cancel()

	args := []string{"backup", "--json", req.SourcePath}
	args = append(args,
		"--tag", "device:"+req.DeviceID,
		"--tag", "share:"+req.ShareID,
	)
	for _, pattern := range req.Exclusions {
		args = append(args, "--exclude", pattern)
	}
	if req.ParentSnapshot != "" {
		args = append(args, "--parent", req.ParentSnapshot)
	}

	cmd := exec.Command(c.binary, args...)
	cmd.Env = append(os.Environ(), "RESTIC_REPOSITORY="+c.repository)
	setProcAttributes(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEngineStart, err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w (%s): %v", ErrEngineStart, cmd.String(), err)
	}

	// Terminate the full process tree on cancellation or timeout; the
	// subprocess gets a grace period for a clean exit first.
	watchDone := make(chan struct{})
	go func() {
		select {
		case <-runCtx.Done():
			killProcessTree(cmd, killGrace)
		case <-watchDone:
		}
	}()

	summary, scanErr := c.consumeStream(stdout, req, onProgress)

	waitErr := cmd.Wait()
	close(watchDone)

	if cause := context.Cause(runCtx); cause != nil && runCtx.Err() != nil {
		return nil, cause
	}
	if waitErr != nil {
		diagnostic := firstLine(stderr.String())
		if diagnostic == "" {
			diagnostic = waitErr.Error()
		}
		return nil, fmt.Errorf("%w: %s", ErrEngineExit, diagnostic)
	}
	if scanErr != nil {
		return nil, scanErr
	}
	if summary == nil {
		return nil, fmt.Errorf("%w: no summary in output", ErrEngineExit)
	}
	return summary, nil
}

func (c *Client) consumeStream(stdout io.Reader, req BackupRequest, onProgress func(Progress)) (*Summary, error) {
	var summary *Summary

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()

		var header struct {
			MessageType string `json:"message_type"`
		}
		if err := json.Unmarshal(line, &header); err != nil {
			continue
		}

		switch header.MessageType {
		case "status":
			var status statusLine
			if err := json.Unmarshal(line, &status); err != nil {
				continue
			}
			if onProgress != nil {
				progress := Progress{
					Percent:    status.PercentDone * 100,
					FilesDone:  status.FilesDone,
					FilesTotal: status.TotalFiles,
					BytesDone:  status.BytesDone,
					BytesTotal: status.TotalBytes,
				}
				if len(status.CurrentFiles) > 0 {
					progress.CurrentFile = status.CurrentFiles[0]
				}
				onProgress(progress)
			}
		case "summary":
			var finished summaryLine
			if err := json.Unmarshal(line, &finished); err != nil {
				continue
			}
			summary = &Summary{
				SnapshotID:      finished.SnapshotID,
				FilesNew:        finished.FilesNew,
				FilesChanged:    finished.FilesChanged,
				FilesUnmodified: finished.FilesUnmodified,
				BytesAdded:      finished.DataAdded,
				BytesProcessed:  finished.TotalBytesProcessed,
				FilesProcessed:  finished.TotalFilesProcessed,
			}
		case "error":
			syslog.L.Warn().
				WithMessage("engine reported a non-fatal error").
				WithField("device", req.DeviceID).
				WithField("line", string(line)).
				Write()
		}
	}
	if err := scanner.Err(); err != nil {
		return summary, fmt.Errorf("read engine output: %w", err)
	}
	return summary, nil
}

func (c *Client) LatestSnapshot(ctx context.Context, deviceID, shareID string) (*Snapshot, error) {
	args := []string{
		"snapshots", "--json", "--latest", "1",
		"--tag", fmt.Sprintf("device:%s,share:%s", deviceID, shareID),
	}

	cmd := exec.CommandContext(ctx, c.binary, args...)
	cmd.Env = append(os.Environ(), "RESTIC_REPOSITORY="+c.repository)

	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEngineExit, err)
	}

	var snapshots []snapshotLine
	if err := json.Unmarshal(output, &snapshots); err != nil {
		return nil, fmt.Errorf("parse snapshot listing: %w", err)
	}
	if len(snapshots) == 0 {
		return nil, ErrNoSnapshot
	}

	latest := snapshots[len(snapshots)-1]
	return &Snapshot{
		ID:        latest.ID,
		Time:      latest.Time,
		FileCount: latest.Summary.TotalFilesProcessed,
		ByteCount: latest.Summary.TotalBytesProcessed,
	}, nil
}

func firstLine(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			return s[:i]
		}
	}
	return s
}
