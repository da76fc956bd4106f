package halt

import (
	"fmt"
	"time"

	"github.com/deeplook/expedition/internal/gate"
	"github.com/deeplook/expedition/internal/runerr"
	"github.com/deeplook/expedition/internal/runfs"
)

// Directive identifies perspectives that must be redone for a gate to pass.
// A directive is consumed exactly once per cycle; consumption is recorded in
// the per-gate retry ledger.
type Directive struct {
	Gate           string    `json:"gate"`
	PerspectiveIDs []string  `json:"perspective_ids"`
	Reason         string    `json:"reason"`
	CreatedAt      time.Time `json:"created_at"`
}

// LedgerEntry records one consumed directive.
type LedgerEntry struct {
	Gate       string    `json:"gate"`
	Reason     string    `json:"reason"`
	Digest     string    `json:"digest"`
	ConsumedAt time.Time `json:"consumed_at"`
}

// Ledger is the operator/retry/ledger.json document: consumption counts and
// history keyed by gate id.
type Ledger struct {
	Consumed map[string]int           `json:"consumed"`
	History  map[string][]LedgerEntry `json:"history,omitempty"`
}

func directivePath(root *runfs.Root, id gate.ID) string {
	return fmt.Sprintf("%s/%s.json", root.RetryDir(), id)
}

func ledgerPath(root *runfs.Root) string {
	return root.RetryDir() + "/ledger.json"
}

// PlanRetry writes a retry directive for a gate. Refuses to overwrite an
// unconsumed directive: the pending one must be consumed or withdrawn first.
func PlanRetry(root *runfs.Root, d *Directive, now time.Time) error {
	path := directivePath(root, gate.ID(d.Gate))
	if runfs.Exists(path) {
		return runerr.New(runerr.CodeInvalidState,
			"gate %s already has a pending retry directive", d.Gate).
			WithDetail("directive", path)
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	return runfs.WriteJSONAtomic(path, d)
}

// LoadLedger reads the retry ledger, returning an empty one if absent.
func LoadLedger(root *runfs.Root) (*Ledger, error) {
	var l Ledger
	if err := runfs.ReadJSON(ledgerPath(root), &l); err != nil {
		if runerr.HasCode(err, runerr.CodeNotFound) {
			return &Ledger{Consumed: make(map[string]int)}, nil
		}
		return nil, err
	}
	if l.Consumed == nil {
		l.Consumed = make(map[string]int)
	}
	return &l, nil
}

// ConsumeDirective consumes the pending directive for a gate, enforcing the
// bounded retry cap. The cap counts consumptions: once a gate's directives
// have been consumed cap times, further consumption returns the terminal
// RETRY_CAP_EXHAUSTED and the directive stays on disk for escalation.
// On success the directive file is removed (consumed exactly once) and its
// digest recorded in the ledger for sidecar cross-referencing.
func ConsumeDirective(root *runfs.Root, id gate.ID, cap int, now time.Time) (*Directive, string, error) {
	path := directivePath(root, id)
	var d Directive
	if err := runfs.ReadJSON(path, &d); err != nil {
		return nil, "", err
	}

	ledger, err := LoadLedger(root)
	if err != nil {
		return nil, "", err
	}
	if ledger.Consumed[string(id)] >= cap {
		return nil, "", runerr.New(runerr.CodeRetryCapExhausted,
			"gate %s retry cap of %d exhausted, operator escalation required", id, cap).
			WithDetail("gate", string(id)).
			WithDetail("cap", cap).
			WithDetail("consumed", ledger.Consumed[string(id)])
	}

	digest, err := runfs.DigestFile(path)
	if err != nil {
		return nil, "", runerr.Wrap(runerr.CodeWriteFailed, err, "digesting retry directive")
	}

	ledger.Consumed[string(id)]++
	if ledger.History == nil {
		ledger.History = make(map[string][]LedgerEntry)
	}
	ledger.History[string(id)] = append(ledger.History[string(id)], LedgerEntry{
		Gate:       string(id),
		Reason:     d.Reason,
		Digest:     digest,
		ConsumedAt: now,
	})

	// Ledger lands before the directive disappears: a crash in between
	// leaves an over-counted ledger (safe, conservative) rather than an
	// unbounded retry.
	if err := runfs.WriteJSONAtomic(ledgerPath(root), ledger); err != nil {
		return nil, "", err
	}
	if err := removeFile(path); err != nil {
		return nil, "", err
	}
	return &d, digest, nil
}

// PendingDirective returns the unconsumed directive for a gate, or nil.
func PendingDirective(root *runfs.Root, id gate.ID) (*Directive, error) {
	var d Directive
	if err := runfs.ReadJSON(directivePath(root, id), &d); err != nil {
		if runerr.HasCode(err, runerr.CodeNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &d, nil
}

func removeFile(path string) error {
	if err := removeIfExists(path); err != nil {
		return runerr.Wrap(runerr.CodeWriteFailed, err, "removing %s", path)
	}
	return nil
}
