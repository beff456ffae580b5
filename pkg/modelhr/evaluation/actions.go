package evaluation

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/maestro/pkg/modelhr"
)

// ErrActionNotFound is returned for unknown action ids.
var ErrActionNotFound = errors.New("hr action not found")

const defaultActionsRetention = 14 * 24 * time.Hour

// ActionsQueue is the human-approval queue for lifecycle recommendations.
// Approve and reject are idempotent: repeats report the first resolver.
type ActionsQueue struct {
	mu       sync.Mutex
	registry *modelhr.Registry
	storage  modelhr.Storage
	logger   *slog.Logger
	clock    func() time.Time

	retention time.Duration
}

// ActionResolution is the caller-visible outcome of approve/reject.
type ActionResolution struct {
	Action      modelhr.HrAction `json:"action"`
	AlreadyDone bool             `json:"alreadyDone"`
}

func NewActionsQueue(registry *modelhr.Registry, storage modelhr.Storage) *ActionsQueue {
	return &ActionsQueue{
		registry:  registry,
		storage:   storage,
		logger:    slog.Default().With("component", "model-hr.actions"),
		clock:     time.Now,
		retention: defaultActionsRetention,
	}
}

// WithRetention overrides how long resolved actions are kept.
func (q *ActionsQueue) WithRetention(d time.Duration) *ActionsQueue {
	if d > 0 {
		q.retention = d
	}
	return q
}

// WithClock injects a deterministic clock for tests.
func (q *ActionsQueue) WithClock(clock func() time.Time) *ActionsQueue {
	q.clock = clock
	return q
}

// Enqueue records a pending recommendation. Write failures degrade to a
// warning; the returned action is still usable in-process.
func (q *ActionsQueue) Enqueue(ctx context.Context, modelID string, kind modelhr.HrActionKind, reason, recommendedBy string) modelhr.HrAction {
	q.mu.Lock()
	defer q.mu.Unlock()

	action := modelhr.HrAction{
		ID:            uuid.NewString(),
		ModelID:       modelID,
		Action:        kind,
		Reason:        reason,
		RecommendedBy: recommendedBy,
		TsISO:         modelhr.NowISO(q.clock()),
	}
	actions := q.loadLocked(ctx)
	actions = append(actions, action)
	q.saveLocked(ctx, actions)
	return action
}

// List returns actions newest-first, trimming resolved entries past the
// retention window. Pending actions are kept indefinitely.
func (q *ActionsQueue) List(ctx context.Context) []modelhr.HrAction {
	q.mu.Lock()
	defer q.mu.Unlock()

	actions := q.trimLocked(ctx, q.loadLocked(ctx))
	sort.Slice(actions, func(i, j int) bool { return actions[i].TsISO > actions[j].TsISO })
	return actions
}

// Approve resolves a pending action and applies its status change. A second
// approve is a no-op that reports the first approver (idempotent).
func (q *ActionsQueue) Approve(ctx context.Context, id, approvedBy string) (ActionResolution, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	actions := q.loadLocked(ctx)
	idx := indexOf(actions, id)
	if idx < 0 {
		return ActionResolution{}, ErrActionNotFound
	}
	a := &actions[idx]
	if a.Resolved() {
		return ActionResolution{Action: *a, AlreadyDone: true}, nil
	}

	if err := q.apply(ctx, a); err != nil {
		return ActionResolution{}, err
	}
	a.Approved = true
	a.ApprovedBy = approvedBy
	a.ResolvedAtISO = modelhr.NowISO(q.clock())
	q.saveLocked(ctx, actions)
	return ActionResolution{Action: *a}, nil
}

// Reject resolves a pending action without applying it; idempotent like
// Approve.
func (q *ActionsQueue) Reject(ctx context.Context, id, rejectedBy, reason string) (ActionResolution, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	actions := q.loadLocked(ctx)
	idx := indexOf(actions, id)
	if idx < 0 {
		return ActionResolution{}, ErrActionNotFound
	}
	a := &actions[idx]
	if a.Resolved() {
		return ActionResolution{Action: *a, AlreadyDone: true}, nil
	}

	a.RejectedBy = rejectedBy
	a.RejectionReason = reason
	a.ResolvedAtISO = modelhr.NowISO(q.clock())
	q.saveLocked(ctx, actions)
	return ActionResolution{Action: *a}, nil
}

// apply performs the approved status change through the registry.
func (q *ActionsQueue) apply(ctx context.Context, a *modelhr.HrAction) error {
	switch a.Action {
	case modelhr.ActionProbation:
		_, err := q.registry.SetModelStatusWithReason(ctx, a.ModelID, modelhr.StatusProbation, "hr_action:"+a.Reason)
		return err
	case modelhr.ActionActivate:
		_, err := q.registry.SetModelStatusWithReason(ctx, a.ModelID, modelhr.StatusActive, "hr_action:"+a.Reason)
		return err
	case modelhr.ActionDisable:
		_, err := q.registry.DisableModel(ctx, a.ModelID, a.Reason)
		return err
	case modelhr.ActionKillSwitch:
		entry, err := q.registry.GetModel(a.ModelID)
		if err != nil {
			return err
		}
		entry.Governance.KillSwitch = true
		_, err = q.registry.UpsertModel(ctx, *entry)
		if err == nil {
			q.registry.EmitSignal(ctx, modelhr.HrSignal{
				ModelID:        entry.ID,
				PreviousStatus: string(entry.Identity.Status),
				NewStatus:      string(entry.Identity.Status),
				Reason:         "kill_switch_engaged",
			})
		}
		return err
	default:
		return errors.New("unknown hr action kind")
	}
}

// trimLocked drops resolved actions past retention and persists the shrink.
func (q *ActionsQueue) trimLocked(ctx context.Context, actions []modelhr.HrAction) []modelhr.HrAction {
	cutoff := q.clock().Add(-q.retention)
	kept := actions[:0]
	trimmed := false
	for _, a := range actions {
		if a.Resolved() && a.ResolvedAtISO != "" {
			if ts, err := time.Parse(time.RFC3339, a.ResolvedAtISO); err == nil && ts.Before(cutoff) {
				trimmed = true
				continue
			}
		}
		kept = append(kept, a)
	}
	if trimmed {
		q.saveLocked(ctx, kept)
	}
	return kept
}

func (q *ActionsQueue) loadLocked(ctx context.Context) []modelhr.HrAction {
	actions, err := q.storage.LoadActions(ctx)
	if err != nil {
		q.logger.Warn("actions read failed", "error", err)
		return nil
	}
	return actions
}

func (q *ActionsQueue) saveLocked(ctx context.Context, actions []modelhr.HrAction) {
	if err := q.storage.SaveActions(ctx, actions); err != nil {
		q.logger.Warn("actions write failed", "error", err)
	}
}

func indexOf(actions []modelhr.HrAction, id string) int {
	for i := range actions {
		if actions[i].ID == id {
			return i
		}
	}
	return -1
}
