package store

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/eargollo/piiscan/internal/pii"
)

// Status is a FileRecord's processing state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusClaimed    Status = "claimed"
	StatusExtracting Status = "extracting"
	StatusDetecting  Status = "detecting"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusSkipped    Status = "skipped"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{
	StatusPending, StatusClaimed, StatusExtracting, StatusDetecting,
	StatusCompleted, StatusFailed, StatusSkipped,
}

var activeStatuses = []Status{StatusClaimed, StatusExtracting, StatusDetecting}

// Active reports whether a worker holds a claim on records in this status.
func (s Status) Active() bool {
	return s == StatusClaimed || s == StatusExtracting || s == StatusDetecting
}

// Terminal reports whether the status is final for the current generation.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusSkipped
}

// ParseStatus validates a status name.
func ParseStatus(s string) (Status, error) {
	for _, st := range AllStatuses {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown status %q", s)
}

// transitions lists forward moves. Reset to Pending on a fingerprint change
// and operator requeue are handled separately by Register and Requeue.
var transitions = map[Status][]Status{
	StatusPending:    {StatusClaimed},
	StatusClaimed:    {StatusExtracting, StatusCompleted, StatusFailed, StatusSkipped, StatusClaimed},
	StatusExtracting: {StatusDetecting, StatusCompleted, StatusFailed, StatusSkipped, StatusClaimed},
	StatusDetecting:  {StatusCompleted, StatusFailed, StatusSkipped, StatusClaimed},
}

// CanTransition reports whether from → to is a legal move for a worker or
// the claimer. Active → Claimed is a stale reclaim; active → Failed also
// covers claim-attempt exhaustion.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// FileInfo is a discovered file: a filesystem entry or an archive member.
type FileInfo struct {
	Path  string
	Size  int64
	MTime time.Time
}

// Fingerprint identifies a version of a file by path, size and mtime.
func Fingerprint(fi FileInfo) string {
	h := sha256.New()
	h.Write([]byte(fi.Path))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatInt(fi.Size, 10)))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatInt(fi.MTime.UnixNano(), 10)))
	return hex.EncodeToString(h.Sum(nil))
}

// FileRecord is the durable state of one file.
type FileRecord struct {
	Path         string     `json:"path"`
	SizeBytes    int64      `json:"size_bytes"`
	Fingerprint  string     `json:"fingerprint"`
	Generation   int64      `json:"generation"`
	Status       Status     `json:"status"`
	AttemptCount int        `json:"attempt_count"`
	LastError    string     `json:"last_error,omitempty"`
	ClaimedBy    string     `json:"claimed_by,omitempty"`
	ClaimedAt    *time.Time `json:"claimed_at,omitempty"`
	DiscoveredAt time.Time  `json:"discovered_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// Claim identifies a worker's hold on one generation of a record.
type Claim struct {
	Path       string
	WorkerID   string
	Generation int64
}

// Claim returns the claim a worker holds after ClaimBatch returned r.
func (r FileRecord) Claim() Claim {
	return Claim{Path: r.Path, WorkerID: r.ClaimedBy, Generation: r.Generation}
}

// Finding is one persisted PII detection. Findings are never updated.
type Finding struct {
	ID          int64        `json:"id"`
	FilePath    string       `json:"file_path"`
	Generation  int64        `json:"generation"`
	EntityType  pii.Category `json:"entity_type"`
	Confidence  float64      `json:"confidence"`
	Offset      int          `json:"offset"`
	Length      int          `json:"length"`
	MaskedValue string       `json:"masked_value"`
	CreatedAt   time.Time    `json:"created_at"`
}

// Outcome is the final result a worker releases a claim with.
type Outcome struct {
	Status   Status
	Findings []pii.Candidate
	Reason   string
}

// Completed builds a successful outcome.
func Completed(findings []pii.Candidate) Outcome {
	return Outcome{Status: StatusCompleted, Findings: findings}
}

// Failed builds a failure outcome carrying err's text.
func Failed(err error) Outcome {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return Outcome{Status: StatusFailed, Reason: msg}
}

// Skipped builds an outcome for files deliberately not processed.
func Skipped(reason string) Outcome {
	return Outcome{Status: StatusSkipped, Reason: reason}
}

func (o Outcome) validate() error {
	if !o.Status.Terminal() {
		return fmt.Errorf("release with non-terminal status %q", o.Status)
	}
	if o.Status != StatusCompleted && len(o.Findings) > 0 {
		return errors.New("findings may only be released with status completed")
	}
	for _, f := range o.Findings {
		if f.Confidence < 0 || f.Confidence > 1 {
			return fmt.Errorf("confidence %v outside [0,1]", f.Confidence)
		}
	}
	return nil
}

// RegisterResult tells what Register did with a discovered file.
type RegisterResult int

const (
	Created RegisterResult = iota
	Unchanged
	Updated
)

func (r RegisterResult) String() string {
	switch r {
	case Created:
		return "created"
	case Unchanged:
		return "unchanged"
	case Updated:
		return "updated"
	default:
		return "unknown"
	}
}
