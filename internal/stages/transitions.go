// Package stages tracks the draft/locked/outdated status of each workflow
// stage and cascades invalidation downstream.
package stages

import "launchpath/internal/domain"

// ApplyLock marks s locked. Other stages are untouched.
func ApplyLock(m domain.StageStatusMap, s domain.Stage) domain.StageStatusMap {
	out := m.Normalize()
	out[s] = domain.StatusLocked
	return out
}

// ApplyUnlock returns s to draft and flips every locked downstream stage to
// outdated. Upstream stages are never touched.
func ApplyUnlock(m domain.StageStatusMap, s domain.Stage) (domain.StageStatusMap, []domain.Stage) {
	out, affected := ApplyInvalidate(m, s)
	out[s] = domain.StatusDraft
	return out, affected
}

// ApplyInvalidate flips every locked stage after s to outdated and reports
// which ones changed. s itself keeps its status.
func ApplyInvalidate(m domain.StageStatusMap, s domain.Stage) (domain.StageStatusMap, []domain.Stage) {
	out := m.Normalize()
	affected := []domain.Stage{}
	for _, d := range domain.Downstream(s) {
		if out[d] == domain.StatusLocked {
			out[d] = domain.StatusOutdated
			affected = append(affected, d)
		}
	}
	return out, affected
}

// UpstreamLocked reports whether every stage before s is locked. It is
// advisory; generation does not require it.
func UpstreamLocked(m domain.StageStatusMap, s domain.Stage) bool {
	n := m.Normalize()
	for _, u := range domain.Upstream(s) {
		if n[u] != domain.StatusLocked {
			return false
		}
	}
	return true
}

// PendingUpstream lists the stages before s that are not locked.
func PendingUpstream(m domain.StageStatusMap, s domain.Stage) []domain.Stage {
	n := m.Normalize()
	pending := []domain.Stage{}
	for _, u := range domain.Upstream(s) {
		if n[u] != domain.StatusLocked {
			pending = append(pending, u)
		}
	}
	return pending
}
