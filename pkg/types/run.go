package types

import "fmt"

// RunMode selects how source tables are scanned
type RunMode string

const (
	// ModeBackfill scans every row regardless of stored cursors
	ModeBackfill RunMode = "backfill"
	// ModeCron resumes each table from its stored cursor
	ModeCron RunMode = "cron"
)

// ParseRunMode validates a mode string
func ParseRunMode(s string) (RunMode, error) {
	switch RunMode(s) {
	case ModeBackfill, ModeCron:
		return RunMode(s), nil
	default:
		return "", fmt.Errorf("unsupported run mode %q (want backfill or cron)", s)
	}
}

// Status is the lifecycle state of a run or of one table within a run
type Status string

const (
	StatusRunning Status = "RUNNING"
	StatusSuccess Status = "SUCCESS"
	StatusFailed  Status = "FAILED"
)

// Terminal reports whether no further transition is allowed
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// FileStatus is the fetch/parse state of a file record
type FileStatus string

const (
	FilePending FileStatus = "PENDING"
	FileOK      FileStatus = "OK"
	FileFailed  FileStatus = "FAILED"
)
