// Package guard enforces single-writer-per-run discipline.
//
// Two layers: an exclusive lock file scoped to the run root (fail-fast, never
// blocking), and optimistic revision checks on every manifest write. A second
// process racing the same run root gets a typed LOCKED error; a writer whose
// view of the manifest went stale gets a typed conflict and must re-read.
package guard

import (
	"time"

	"github.com/gofrs/flock"

	"github.com/deeplook/expedition/internal/manifest"
	"github.com/deeplook/expedition/internal/runerr"
	"github.com/deeplook/expedition/internal/runfs"
)

// Lease is an exclusive claim on a run root.
type Lease struct {
	lock       *flock.Flock
	acquiredAt time.Time
}

// Acquire takes the run lock without blocking.
// Uses gofrs/flock for cross-platform advisory locking; the OS releases the
// lock if the holding process dies, so a crashed tick never wedges the run.
func Acquire(root *runfs.Root) (*Lease, error) {
	lock := flock.New(root.LockPath())

	locked, err := lock.TryLock()
	if err != nil {
		return nil, runerr.Wrap(runerr.CodeWriteFailed, err, "acquiring run lock")
	}
	if !locked {
		return nil, runerr.New(runerr.CodeLocked, "run is locked by another process").
			WithDetail("lock_path", root.LockPath())
	}

	return &Lease{lock: lock, acquiredAt: time.Now()}, nil
}

// Release gives up the lease. Safe to call on a nil lease.
func (l *Lease) Release() {
	if l == nil || l.lock == nil {
		return
	}
	_ = l.lock.Unlock()
}

// Age returns how long the lease has been held.
func (l *Lease) Age() time.Duration {
	return time.Since(l.acquiredAt)
}

// SaveManifest persists a manifest whose Revision the caller has already
// incremented. Immediately before committing it re-reads the on-disk
// revision and refuses the write unless it equals Revision-1: a mismatch
// means another writer interleaved and the caller must re-read, never merge.
// The write itself is temp-file-then-rename, so no reader ever observes a
// partial document.
func SaveManifest(root *runfs.Root, m *manifest.Manifest) error {
	current, err := manifest.Load(root)
	if err != nil {
		if !runerr.HasCode(err, runerr.CodeNotFound) {
			return err
		}
		// First write of a fresh run: only revision 1 is acceptable.
		if m.Revision != 1 {
			return staleRevision(m.Revision, 0)
		}
		return runfs.WriteJSONAtomic(root.ManifestPath(), m)
	}

	if current.Revision != m.Revision-1 {
		return staleRevision(m.Revision, current.Revision)
	}
	return runfs.WriteJSONAtomic(root.ManifestPath(), m)
}

func staleRevision(writing, onDisk int) error {
	return runerr.New(runerr.CodeInvalidState,
		"stale manifest revision: writing %d but on-disk revision is %d", writing, onDisk).
		WithDetail("writing_revision", writing).
		WithDetail("on_disk_revision", onDisk)
}
