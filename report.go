package fieldshift

import (
	"sync"
	"sync/atomic"

	"github.com/couchutil/fieldshift/errors"
)

// DocumentError is a per-document failure captured during a run
type DocumentError struct {
	// DocID is the document that failed
	DocID string `json:"doc_id"`
	// Code is the error code (WriteFailed or ConflictExhausted)
	Code errors.Code `json:"code"`
	// Message is the error detail
	Message string `json:"message"`
}

// Summary is the aggregate result of a migration run
type Summary struct {
	// Scanned is the number of documents enumerated
	Scanned int64 `json:"scanned"`
	// Renamed is the number of documents patched (or that would be, in dry-run)
	Renamed int64 `json:"renamed"`
	// Skipped is the number of documents that did not hold the source path
	Skipped int64 `json:"skipped"`
	// Conflicts is the number of renames that overwrote a different destination value
	Conflicts int64 `json:"conflicts"`
	// Failed is the number of documents whose write failed or whose retries were exhausted
	Failed int64 `json:"failed"`
	// Errors are the per-document failures
	Errors []DocumentError `json:"errors,omitempty"`
	// Patches is the enumerated change set (dry-run only)
	Patches []Patch `json:"patches,omitempty"`
}

// OK reports whether the run completed with every scanned document accounted
// for by a rename or a skip
func (s *Summary) OK() bool {
	return s.Failed == 0 && s.Scanned == s.Renamed+s.Skipped
}

// accumulator collects per-document results from concurrent workers. Counters
// are atomic and slices mutex guarded, so accumulation is order independent.
type accumulator struct {
	scanned   atomic.Int64
	renamed   atomic.Int64
	skipped   atomic.Int64
	conflicts atomic.Int64
	failed    atomic.Int64

	mu      sync.Mutex
	errs    []DocumentError
	patches []Patch
}

func (a *accumulator) fail(docID string, err error) {
	a.failed.Add(1)
	extracted := errors.Extract(err).RemoveError()
	var msg string
	if len(extracted.Messages) > 0 {
		msg = extracted.Messages[0]
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.errs = append(a.errs, DocumentError{
		DocID:   docID,
		Code:    extracted.Code,
		Message: msg,
	})
}

func (a *accumulator) record(patch Patch) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.patches = append(a.patches, patch)
}

func (a *accumulator) summary() *Summary {
	a.mu.Lock()
	defer a.mu.Unlock()
	return &Summary{
		Scanned:   a.scanned.Load(),
		Renamed:   a.renamed.Load(),
		Skipped:   a.skipped.Load(),
		Conflicts: a.conflicts.Load(),
		Failed:    a.failed.Load(),
		Errors:    a.errs,
		Patches:   a.patches,
	}
}
