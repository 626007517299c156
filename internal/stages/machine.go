package stages

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"launchpath/internal/domain"
	"launchpath/internal/events"
	"launchpath/internal/repo"
)

const maxWriteAttempts = 3

var ErrUnknownStage = errors.New("unknown stage")

// StatusStore persists the stage map with a row version. WriteStageStatus
// must fail with repo.ErrVersionConflict when expectedVersion is stale.
type StatusStore interface {
	ReadStageStatus(ctx context.Context, projectID string) (domain.StageStatusMap, int64, error)
	WriteStageStatus(ctx context.Context, projectID string, m domain.StageStatusMap, expectedVersion int64) (int64, error)
}

type Recorder interface {
	Record(ctx context.Context, evtType, projectID, entityKind, entityID, actorID string, payload events.EventPayload) error
}

type Transition struct {
	Stage    domain.Stage          `json:"stage"`
	Statuses domain.StageStatusMap `json:"statuses"`
	Affected []domain.Stage        `json:"affected"`
	Version  int64                 `json:"version"`
	Changed  bool                  `json:"changed"`
}

// Machine applies transitions. Writes for one project are serialized in
// process and checked against the row version at storage, so callers in
// other processes cannot lose updates either.
type Machine struct {
	Store  StatusStore
	Events Recorder
	Logger *slog.Logger

	mu    sync.Mutex
	locks map[string]*projectLock
}

// projectLock is dropped from the table when its last holder or waiter
// releases it.
type projectLock struct {
	sync.Mutex
	refs int
}

func NewMachine(store StatusStore, rec Recorder, logger *slog.Logger) *Machine {
	return &Machine{Store: store, Events: rec, Logger: logger}
}

func (m *Machine) Lock(ctx context.Context, projectID string, s domain.Stage, actorID string) (Transition, error) {
	return m.apply(ctx, projectID, s, actorID, events.StageLocked, func(cur domain.StageStatusMap) (domain.StageStatusMap, []domain.Stage) {
		return ApplyLock(cur, s), []domain.Stage{}
	})
}

func (m *Machine) Unlock(ctx context.Context, projectID string, s domain.Stage, actorID string) (Transition, error) {
	return m.apply(ctx, projectID, s, actorID, events.StageUnlocked, func(cur domain.StageStatusMap) (domain.StageStatusMap, []domain.Stage) {
		return ApplyUnlock(cur, s)
	})
}

// InvalidateDownstream marks locked stages after s outdated. The returned
// Affected list is empty when nothing downstream was locked.
func (m *Machine) InvalidateDownstream(ctx context.Context, projectID string, s domain.Stage, actorID string) (Transition, error) {
	return m.apply(ctx, projectID, s, actorID, events.StageInvalidated, func(cur domain.StageStatusMap) (domain.StageStatusMap, []domain.Stage) {
		return ApplyInvalidate(cur, s)
	})
}

func (m *Machine) CheckUpstreamLocked(ctx context.Context, projectID string, s domain.Stage) (bool, []domain.Stage, error) {
	if !s.Valid() {
		return false, nil, fmt.Errorf("%w: %q", ErrUnknownStage, s)
	}
	cur, _, err := m.Store.ReadStageStatus(ctx, projectID)
	if err != nil {
		return false, nil, err
	}
	pending := PendingUpstream(cur, s)
	return len(pending) == 0, pending, nil
}

func (m *Machine) Status(ctx context.Context, projectID string) (domain.StageStatusMap, int64, error) {
	return m.Store.ReadStageStatus(ctx, projectID)
}

// apply runs read, compute, conditional write. A version conflict means a
// writer outside this process got in first, so the map is re-read.
func (m *Machine) apply(ctx context.Context, projectID string, s domain.Stage, actorID, evtType string,
	fn func(domain.StageStatusMap) (domain.StageStatusMap, []domain.Stage)) (Transition, error) {
	if !s.Valid() {
		return Transition{}, fmt.Errorf("%w: %q", ErrUnknownStage, s)
	}
	unlock := m.lockProject(projectID)
	defer unlock()

	var lastErr error
	for attempt := 1; attempt <= maxWriteAttempts; attempt++ {
		cur, version, err := m.Store.ReadStageStatus(ctx, projectID)
		if err != nil {
			return Transition{}, err
		}
		next, affected := fn(cur)
		tr := Transition{Stage: s, Statuses: next, Affected: affected, Version: version}
		if next.Equal(cur) {
			return tr, nil
		}
		newVersion, err := m.Store.WriteStageStatus(ctx, projectID, next, version)
		if errors.Is(err, repo.ErrVersionConflict) {
			m.logger().DebugContext(ctx, "stage status conflict", "project", projectID, "attempt", attempt)
			lastErr = err
			continue
		}
		if err != nil {
			return Transition{}, err
		}
		tr.Version, tr.Changed = newVersion, true
		m.record(ctx, evtType, projectID, actorID, tr)
		return tr, nil
	}
	return Transition{}, lastErr
}

func (m *Machine) record(ctx context.Context, evtType, projectID, actorID string, tr Transition) {
	if m.Events == nil {
		return
	}
	affected := make([]string, len(tr.Affected))
	for i, a := range tr.Affected {
		affected[i] = string(a)
	}
	err := m.Events.Record(ctx, evtType, projectID, "stage", string(tr.Stage), actorID, events.EventPayload{
		"affected": affected,
		"version":  tr.Version,
	})
	if err != nil {
		m.logger().WarnContext(ctx, "record stage event", "type", evtType, "err", err)
	}
}

func (m *Machine) lockProject(projectID string) func() {
	m.mu.Lock()
	if m.locks == nil {
		m.locks = map[string]*projectLock{}
	}
	l, ok := m.locks[projectID]
	if !ok {
		l = &projectLock{}
		m.locks[projectID] = l
	}
	l.refs++
	m.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		m.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(m.locks, projectID)
		}
		m.mu.Unlock()
	}
}

func (m *Machine) logger() *slog.Logger {
	if m.Logger != nil {
		return m.Logger
	}
	return slog.Default()
}
