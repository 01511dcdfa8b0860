package manifest

import "sort"

type ActionOp uint8

const (
	OpNone ActionOp = iota
	OpUpload
	OpDownload
	OpDelete
)

var actionOpNames = []string{
	"None",
	"Upload",
	"Download",
	"Delete",
}

func (op ActionOp) String() string {
	return actionOpNames[op]
}

// Action is one reconciliation step for a path. Authoritative carries the
// server-side record when one exists, so callers can align their journal
// without a second round trip.
type Action struct {
	Op            ActionOp
	Path          string
	Local         *FileRecord
	Authoritative *FileRecord
}

// Reconcile computes the per-path actions that converge a local manifest
// onto the authoritative one. It is pure: neither input is mutated, and
// output order is deterministic (sorted by path).
//
// Per path present in either manifest:
//   - equal content hash: no-op regardless of revision skew
//   - tombstoned authoritative + present local: delete locally
//   - only authoritative, or authoritative revision ahead: download
//   - only local, or local revision ahead (pre-ack client state): upload
func Reconcile(local, authoritative Manifest) []*Action {
	paths := make(map[string]struct{}, len(local)+len(authoritative))
	for path := range local {
		paths[path] = struct{}{}
	}
	for path := range authoritative {
		paths[path] = struct{}{}
	}

	sorted := make([]string, 0, len(paths))
	for path := range paths {
		sorted = append(sorted, path)
	}
	sort.Strings(sorted)

	actions := make([]*Action, 0, len(sorted))
	for _, path := range sorted {
		loc := local[path]
		auth := authoritative[path]
		actions = append(actions, &Action{
			Op:            reconcilePath(loc, auth),
			Path:          path,
			Local:         loc,
			Authoritative: auth,
		})
	}
	return actions
}

func reconcilePath(local, auth *FileRecord) ActionOp {
	switch {
	case local == nil && auth == nil:
		return OpNone

	case auth == nil:
		// only local: never seen by the server
		if local.IsDeleted() {
			return OpNone
		}
		return OpUpload

	case local == nil:
		// only authoritative
		if auth.IsDeleted() {
			return OpNone
		}
		return OpDownload
	}

	if auth.IsDeleted() {
		if local.IsDeleted() {
			return OpNone
		}
		return OpDelete
	}

	if local.IsDeleted() {
		// local tombstone not yet accepted by the server
		if local.Revision > auth.Revision {
			return OpUpload
		}
		return OpDownload
	}

	// content-identical short-circuit
	if local.Hash == auth.Hash {
		return OpNone
	}

	if auth.Revision > local.Revision {
		return OpDownload
	}
	if local.Revision > auth.Revision {
		// only valid client-side before acknowledgment
		return OpUpload
	}

	// same revision, different content: a proposal in flight lost the
	// race; converge on the committed record
	return OpDownload
}

// Actionable filters out no-ops.
func Actionable(actions []*Action) []*Action {
	out := make([]*Action, 0, len(actions))
	for _, a := range actions {
		if a.Op != OpNone {
			out = append(out, a)
		}
	}
	return out
}
