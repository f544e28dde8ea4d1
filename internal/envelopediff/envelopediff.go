// Package envelopediff implements the per-folder envelope four-corner diff
// engine (C6 / spec §4.2): given the four message_id-keyed envelope views
// of a single folder (left-cache, left, right-cache, right), produce an
// ordered hunk list, then apply the user's permission mask.
package envelopediff

import (
	"sort"

	"github.com/tethermail/tether/internal/model"
)

// EnvelopeFilter admits or rejects an envelope before it is considered by
// the diff — e.g. a date range or a free-text query. A nil filter admits
// everything.
type EnvelopeFilter func(model.Envelope) bool

// Filter returns the subset of envs admitted by f (or all of envs, if f is
// nil).
func Filter(envs map[string]model.Envelope, f EnvelopeFilter) map[string]model.Envelope {
	if f == nil {
		return envs
	}
	out := make(map[string]model.Envelope, len(envs))
	for id, env := range envs {
		if f(env) {
			out[id] = env
		}
	}
	return out
}

// Permissions gates which hunks the engine is allowed to apply per side.
// Hunks that violate a forbidden permission are dropped, not errored (§4.2).
type Permissions struct {
	Left  SidePermissions
	Right SidePermissions
}

type SidePermissions struct {
	CanCreateMessages bool
	CanDeleteMessages bool
	CanSetFlags       bool
}

// defaultAllow is the all-true permission mask (§5.2 default).
func defaultAllow() SidePermissions {
	return SidePermissions{CanCreateMessages: true, CanDeleteMessages: true, CanSetFlags: true}
}

// DefaultPermissions returns the all-allow mask used when the user supplies
// none.
func DefaultPermissions() Permissions {
	return Permissions{Left: defaultAllow(), Right: defaultAllow()}
}

func (p Permissions) side(d model.SyncDestination) SidePermissions {
	if d == model.Left {
		return p.Left
	}
	return p.Right
}

// BuildPatch computes the envelope sync hunks for folder, given its four
// message_id-keyed views, already filtered by an EnvelopeFilter. Order
// within a message_id's hunk list follows the representative rows of §4.2;
// across message_ids, iteration order is deterministic (sorted by id) so
// that the same inputs always reproduce the same hunk list, but callers
// execute hunks against the pool with no ordering requirement across ids.
func BuildPatch(folder string, leftCache, left, rightCache, right map[string]model.Envelope) []model.EmailSyncHunk {
	ids := make(map[string]struct{})
	for id := range leftCache {
		ids[id] = struct{}{}
	}
	for id := range left {
		ids[id] = struct{}{}
	}
	for id := range rightCache {
		ids[id] = struct{}{}
	}
	for id := range right {
		ids[id] = struct{}{}
	}

	sorted := make([]string, 0, len(ids))
	for id := range ids {
		sorted = append(sorted, id)
	}
	sort.Strings(sorted)

	var hunks []model.EmailSyncHunk
	for _, id := range sorted {
		lcEnv, lc := leftCache[id]
		lEnv, l := left[id]
		rcEnv, rc := rightCache[id]
		rEnv, r := right[id]
		hunks = append(hunks, rowHunks(folder, id, lc, l, rc, r, lcEnv, lEnv, rcEnv, rEnv)...)
	}
	return hunks
}

// getThenCache, deleteHunk and uncacheHunk thread the side's own envelope
// view through the hunk whenever the row has one available, so the
// executor can address the backend by its real internal id and only falls
// back to the bare message_id (ID) for the two rows where the acted-on
// cache side genuinely has no entry yet — see rowHunks' 0110/1001 calls.
func getThenCache(folder, id string, side model.SyncDestination, env model.Envelope) model.EmailSyncHunk {
	return model.EmailSyncHunk{Kind: model.EmailGetThenCache, Folder: folder, ID: id, Side: side, Envelope: env}
}

func copyThenCache(folder string, env model.Envelope, source, target model.SyncDestination, refresh bool) model.EmailSyncHunk {
	return model.EmailSyncHunk{
		Kind: model.EmailCopyThenCache, Folder: folder, Envelope: env,
		Source: source, Target: target, RefreshSourceCache: refresh,
	}
}

func deleteHunk(folder, id string, side model.SyncDestination, env model.Envelope) model.EmailSyncHunk {
	return model.EmailSyncHunk{Kind: model.EmailDelete, Folder: folder, ID: id, Side: side, Envelope: env}
}

func uncacheHunk(folder, id string, side model.SyncDestination, env model.Envelope) model.EmailSyncHunk {
	return model.EmailSyncHunk{Kind: model.EmailUncache, Folder: folder, ID: id, Side: side, Envelope: env}
}

// rowHunks implements one row of the §4.2 table, mechanically derived from
// the §4.1 folder table (Cache/Create collapse into GetThenCache/
// CopyThenCache; Uncache/Delete carry over directly) per the §9 design
// note, with the two rows the source left ambiguous — (0,1,1,0) and
// (1,0,0,1) — resolved per that same note: cache is the ancestor, so a
// side whose cache says "present" but which no longer has the message is
// interpreted as a user deletion, and the deletion is propagated to the
// other side even if that side still has a copy. (1,0,0,1) is directly
// exercised by §8 scenario 4 ("moved-not-copied"); (0,1,1,0) is its mirror.
func rowHunks(folder, id string, lc, l, rc, r bool, lcEnv, lEnv, rcEnv, rEnv model.Envelope) []model.EmailSyncHunk {
	switch {
	case !lc && !l && !rc && !r: // 0000
		return nil

	case !lc && !l && !rc && r: // 0001: new on right only
		return []model.EmailSyncHunk{
			getThenCache(folder, id, model.Right, rEnv),
			copyThenCache(folder, rEnv, model.Right, model.Left, false),
		}

	case !lc && !l && rc && !r: // 0010: stale right cache only
		return []model.EmailSyncHunk{uncacheHunk(folder, id, model.Right, rcEnv)}

	case !lc && !l && rc && r: // 0011: already consistent on right, missing on left
		return []model.EmailSyncHunk{copyThenCache(folder, rEnv, model.Right, model.Left, false)}

	case !lc && l && !rc && !r: // 0100: new on left only
		return []model.EmailSyncHunk{
			getThenCache(folder, id, model.Left, lEnv),
			copyThenCache(folder, lEnv, model.Left, model.Right, false),
		}

	case !lc && l && !rc && r: // 0101: present both sides, cached neither
		return []model.EmailSyncHunk{
			getThenCache(folder, id, model.Left, lEnv),
			getThenCache(folder, id, model.Right, rEnv),
		}

	case !lc && l && rc && !r: // 0110: ambiguous, resolved as deletion propagated from right
		return []model.EmailSyncHunk{
			uncacheHunk(folder, id, model.Right, rcEnv),
			deleteHunk(folder, id, model.Left, lEnv),
			// lc is false here: the left cache never had this message, so
			// this uncache has nothing to clear. The executor treats a
			// cache-row-not-found on Uncache as already satisfied.
			uncacheHunk(folder, id, model.Left, model.Envelope{}),
		}

	case !lc && l && rc && r: // 0111: consistent on right, missing left cache
		return []model.EmailSyncHunk{getThenCache(folder, id, model.Left, lEnv)}

	case lc && !l && !rc && !r: // 1000: stale left cache only
		return []model.EmailSyncHunk{uncacheHunk(folder, id, model.Left, lcEnv)}

	case lc && !l && !rc && r: // 1001: ambiguous, resolved as deletion propagated from left
		return []model.EmailSyncHunk{
			uncacheHunk(folder, id, model.Left, lcEnv),
			deleteHunk(folder, id, model.Right, rEnv),
			// rc is false here, mirroring the 0110 case above.
			uncacheHunk(folder, id, model.Right, model.Envelope{}),
		}

	case lc && !l && rc && !r: // 1010: stale caches both sides, gone everywhere
		return []model.EmailSyncHunk{
			uncacheHunk(folder, id, model.Left, lcEnv),
			uncacheHunk(folder, id, model.Right, rcEnv),
		}

	case lc && !l && rc && r: // 1011: deleted on left, still live on right
		return []model.EmailSyncHunk{
			uncacheHunk(folder, id, model.Left, lcEnv),
			uncacheHunk(folder, id, model.Right, rcEnv),
			deleteHunk(folder, id, model.Right, rEnv),
		}

	case lc && l && !rc && !r: // 1100: consistent on left, missing on right
		return []model.EmailSyncHunk{copyThenCache(folder, lEnv, model.Left, model.Right, false)}

	case lc && l && !rc && r: // 1101: consistent on left, missing right cache
		return []model.EmailSyncHunk{getThenCache(folder, id, model.Right, rEnv)}

	case lc && l && rc && !r: // 1110: deleted on right, still live on left
		return []model.EmailSyncHunk{
			uncacheHunk(folder, id, model.Left, lcEnv),
			deleteHunk(folder, id, model.Left, lEnv),
			uncacheHunk(folder, id, model.Right, rcEnv),
		}

	default: // 1111: present everywhere, reconcile flags
		return reconcileFlags(folder, id, lcEnv, lEnv, rcEnv, rEnv)
	}
}

// reconcileFlags implements the §4.2 row (1,1,1,1) flag merge policy: union
// of flags across the four views, with Deleted dropped unless some
// non-cache (live) side still carries it. Emits Update(Cached)Flags only
// for sides whose current flag set differs from the merged result.
func reconcileFlags(folder, id string, lcEnv, lEnv, rcEnv, rEnv model.Envelope) []model.EmailSyncHunk {
	merged := model.Union(lcEnv.Flags, lEnv.Flags, rcEnv.Flags, rEnv.Flags)
	if !lEnv.Flags.Has(model.Deleted) && !rEnv.Flags.Has(model.Deleted) {
		merged.Remove(model.Deleted)
	}

	var hunks []model.EmailSyncHunk
	mergedEnvelope := func(base model.Envelope) model.Envelope {
		out := base
		out.Flags = merged
		return out
	}

	if !lEnv.Flags.Equal(merged) {
		hunks = append(hunks, model.EmailSyncHunk{Kind: model.EmailUpdateFlags, Folder: folder, Envelope: mergedEnvelope(lEnv), Side: model.Left})
	}
	if !rEnv.Flags.Equal(merged) {
		hunks = append(hunks, model.EmailSyncHunk{Kind: model.EmailUpdateFlags, Folder: folder, Envelope: mergedEnvelope(rEnv), Side: model.Right})
	}
	if !lcEnv.Flags.Equal(merged) {
		hunks = append(hunks, model.EmailSyncHunk{Kind: model.EmailUpdateCachedFlags, Folder: folder, Envelope: mergedEnvelope(lcEnv), Side: model.Left})
	}
	if !rcEnv.Flags.Equal(merged) {
		hunks = append(hunks, model.EmailSyncHunk{Kind: model.EmailUpdateCachedFlags, Folder: folder, Envelope: mergedEnvelope(rcEnv), Side: model.Right})
	}
	return hunks
}

// ApplyPermissions drops hunks that would violate the per-side permission
// mask, per §4.2: forbidden hunks are dropped, never turned into errors.
// GetThenCache and the two cache-only ops (Uncache, UpdateCachedFlags) are
// never gated — they do not mutate a live backend. CopyThenCache is gated
// by the target side's create permission, Delete by the acting side's
// delete permission, and UpdateFlags by the acting side's set-flags
// permission.
func ApplyPermissions(hunks []model.EmailSyncHunk, perms Permissions) []model.EmailSyncHunk {
	out := make([]model.EmailSyncHunk, 0, len(hunks))
	for _, h := range hunks {
		if !allowed(h, perms) {
			continue
		}
		out = append(out, h)
	}
	return out
}

func allowed(h model.EmailSyncHunk, perms Permissions) bool {
	switch h.Kind {
	case model.EmailCopyThenCache:
		return perms.side(h.Target).CanCreateMessages
	case model.EmailDelete:
		return perms.side(h.Side).CanDeleteMessages
	case model.EmailUpdateFlags:
		return perms.side(h.Side).CanSetFlags
	default:
		return true
	}
}
