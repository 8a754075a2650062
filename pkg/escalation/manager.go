// Package escalation routes decisions that need human judgment into
// multi-level escalation paths built on the approval queue.
//
// A path is an ordered list of approver levels matched by scope; rules pick
// the entry level for a triggering decision. Advancement through levels is
// caller-driven: a timed-out request appends history but never auto-advances.
package escalation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/arbiter/pkg/approval"
	"github.com/Mindburn-Labs/arbiter/pkg/contracts"
	"github.com/Mindburn-Labs/arbiter/pkg/policy"
	"github.com/Mindburn-Labs/arbiter/pkg/store"
)

const casRetries = 3

// Manager owns escalation paths, routing rules and escalation records.
type Manager struct {
	queue  *approval.Queue
	repo   store.Repository
	logger *slog.Logger
	clock  func() time.Time

	mu    sync.RWMutex
	paths map[string]contracts.EscalationPath
	rules []contracts.EscalationRule
}

// NewManager creates a manager over the given queue and repository.
func NewManager(queue *approval.Queue, repo store.Repository, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		queue:  queue,
		repo:   repo,
		logger: logger,
		clock:  time.Now,
		paths:  make(map[string]contracts.EscalationPath),
	}
}

// WithClock overrides the clock for deterministic testing.
func (m *Manager) WithClock(clock func() time.Time) *Manager {
	m.clock = clock
	return m
}

// RegisterPath validates and registers an escalation path. Levels must be
// non-empty and strictly ordered.
func (m *Manager) RegisterPath(path contracts.EscalationPath) (contracts.EscalationPath, error) {
	if len(path.Levels) == 0 {
		return contracts.EscalationPath{}, &contracts.ValidationError{Field: "levels", Detail: "path requires at least one level"}
	}
	for i, lvl := range path.Levels {
		if len(lvl.Approvers) == 0 {
			return contracts.EscalationPath{}, &contracts.ValidationError{
				Field:  fmt.Sprintf("levels[%d].approvers", i),
				Detail: "level requires approvers",
			}
		}
		if i > 0 && lvl.Level <= path.Levels[i-1].Level {
			return contracts.EscalationPath{}, &contracts.ValidationError{
				Field:  fmt.Sprintf("levels[%d].level", i),
				Detail: "levels must be strictly increasing",
			}
		}
	}
	if path.ID == "" {
		path.ID = uuid.New().String()
	}
	if path.DefaultTimeoutMs <= 0 {
		path.DefaultTimeoutMs = approval.DefaultTimeout.Milliseconds()
	}

	m.mu.Lock()
	m.paths[path.ID] = path
	m.mu.Unlock()
	return path, nil
}

// RegisterRule appends a routing rule. Rules are matched in registration
// order; the first active match wins.
func (m *Manager) RegisterRule(rule contracts.EscalationRule) (contracts.EscalationRule, error) {
	m.mu.RLock()
	_, pathKnown := m.paths[rule.PathID]
	m.mu.RUnlock()
	if !pathKnown {
		return contracts.EscalationRule{}, contracts.NotFound("escalation path", rule.PathID)
	}
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}

	m.mu.Lock()
	m.rules = append(m.rules, rule)
	m.mu.Unlock()
	return rule, nil
}

// TriggerEscalation matches the first active rule for (trigger, decision)
// and opens an escalation record with an approval request at the rule's
// target level.
func (m *Manager) TriggerEscalation(ctx context.Context, decision *contracts.Decision, trigger, requestedBy string) (*contracts.EscalationRecord, error) {
	rule, path, ok := m.matchRule(trigger, decision)
	if !ok {
		return nil, fmt.Errorf("no active escalation rule matches trigger %q for action %q", trigger, decision.Action.Type)
	}

	level, idx := levelByNumber(path, rule.TargetLevel)
	if idx < 0 {
		return nil, fmt.Errorf("path %s has no level %d", path.ID, rule.TargetLevel)
	}

	req, err := m.queue.CreateRequest(ctx, approval.CreateInput{
		DecisionID:        decision.ID,
		RequestedBy:       requestedBy,
		Approvers:         level.Approvers,
		Priority:          priorityForLevelIndex(idx),
		RequiredApprovals: level.RequiredApprovals,
		Timeout:           levelTimeout(path, level),
		Reason:            fmt.Sprintf("escalation trigger %q", trigger),
	})
	if err != nil {
		return nil, err
	}

	now := m.clock()
	record := &contracts.EscalationRecord{
		ID:                uuid.New().String(),
		DecisionID:        decision.ID,
		Trigger:           trigger,
		PathID:            path.ID,
		CurrentLevel:      level.Level,
		ApprovalRequestID: req.ID,
		History: []contracts.EscalationEvent{{
			Type:      contracts.EscalationStarted,
			Level:     level.Level,
			Actor:     requestedBy,
			RequestID: req.ID,
			At:        now,
		}},
		CreatedAt: now,
	}

	data, err := json.Marshal(record)
	if err != nil {
		return nil, err
	}
	env, err := m.repo.Create(ctx, store.KindEscalation, record.ID, data)
	if err != nil {
		return nil, err
	}
	record.Version = env.Version

	m.logger.Info("escalation triggered",
		"record_id", record.ID,
		"decision_id", decision.ID,
		"trigger", trigger,
		"path_id", path.ID,
		"level", level.Level)
	return record, nil
}

// EscalateToNextLevel advances a record to the next configured level with a
// fresh, higher-priority approval request. Returns nil (and leaves the
// record untouched) when the record is already at the path's final level.
func (m *Manager) EscalateToNextLevel(ctx context.Context, recordID, reason, actor string) (*contracts.EscalationRecord, error) {
	record, err := m.Get(ctx, recordID)
	if err != nil {
		return nil, err
	}
	if record.Resolved {
		return nil, fmt.Errorf("escalation record %s is already resolved", recordID)
	}

	m.mu.RLock()
	path, ok := m.paths[record.PathID]
	m.mu.RUnlock()
	if !ok {
		return nil, contracts.NotFound("escalation path", record.PathID)
	}

	_, curIdx := levelByNumber(path, record.CurrentLevel)
	if curIdx < 0 || curIdx+1 >= len(path.Levels) {
		return nil, nil
	}
	next := path.Levels[curIdx+1]

	req, err := m.queue.CreateRequest(ctx, approval.CreateInput{
		DecisionID:        record.DecisionID,
		RequestedBy:       actor,
		Approvers:         next.Approvers,
		Priority:          priorityForLevelIndex(curIdx + 1),
		RequiredApprovals: next.RequiredApprovals,
		Timeout:           levelTimeout(path, next),
		Reason:            reason,
	})
	if err != nil {
		return nil, err
	}

	now := m.clock()
	return m.mutate(ctx, recordID, func(rec *contracts.EscalationRecord) error {
		rec.CurrentLevel = next.Level
		rec.ApprovalRequestID = req.ID
		rec.History = append(rec.History, contracts.EscalationEvent{
			Type:      contracts.EscalationEscalated,
			Level:     next.Level,
			Actor:     actor,
			Reason:    reason,
			RequestID: req.ID,
			At:        now,
		})
		return nil
	})
}

// ResolveEscalation closes a record after its approval request settled.
func (m *Manager) ResolveEscalation(ctx context.Context, recordID, outcome, actor string) (*contracts.EscalationRecord, error) {
	now := m.clock()
	return m.mutate(ctx, recordID, func(rec *contracts.EscalationRecord) error {
		if rec.Resolved {
			return contracts.ErrAlreadyResolved
		}
		rec.Resolved = true
		rec.History = append(rec.History, contracts.EscalationEvent{
			Type:   contracts.EscalationResolved,
			Level:  rec.CurrentLevel,
			Actor:  actor,
			Reason: outcome,
			At:     now,
		})
		return nil
	})
}

// ProcessTimeouts delegates to the approval queue, then appends a timed_out
// history event to the owning record of each expired request. It does not
// advance levels; that stays a deliberate caller action.
func (m *Manager) ProcessTimeouts(ctx context.Context, defaultAction string) ([]*contracts.EscalationRecord, error) {
	timedOut, err := m.queue.ProcessTimeouts(ctx, defaultAction)
	if err != nil {
		return nil, err
	}
	if len(timedOut) == 0 {
		return nil, nil
	}

	byRequest := make(map[string]*contracts.ApprovalRequest, len(timedOut))
	for _, req := range timedOut {
		byRequest[req.ID] = req
	}

	var recordIDs []string
	err = m.repo.Scan(ctx, store.KindEscalation, func(env store.Envelope) bool {
		rec, err := decodeRecord(env)
		if err == nil {
			if _, ok := byRequest[rec.ApprovalRequestID]; ok {
				recordIDs = append(recordIDs, rec.ID)
			}
		}
		return true
	})
	if err != nil {
		return nil, err
	}

	now := m.clock()
	var touched []*contracts.EscalationRecord
	for _, id := range recordIDs {
		rec, err := m.mutate(ctx, id, func(rec *contracts.EscalationRecord) error {
			rec.History = append(rec.History, contracts.EscalationEvent{
				Type:      contracts.EscalationTimedOut,
				Level:     rec.CurrentLevel,
				RequestID: rec.ApprovalRequestID,
				At:        now,
			})
			return nil
		})
		if err != nil {
			return touched, err
		}
		touched = append(touched, rec)
	}
	return touched, nil
}

// Get returns an escalation record by id.
func (m *Manager) Get(ctx context.Context, id string) (*contracts.EscalationRecord, error) {
	env, err := m.repo.Get(ctx, store.KindEscalation, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, contracts.NotFound("escalation record", id)
	}
	if err != nil {
		return nil, err
	}
	return decodeRecord(env)
}

// ForDecision returns every escalation record of a decision.
func (m *Manager) ForDecision(ctx context.Context, decisionID string) ([]*contracts.EscalationRecord, error) {
	var out []*contracts.EscalationRecord
	err := m.repo.Scan(ctx, store.KindEscalation, func(env store.Envelope) bool {
		rec, err := decodeRecord(env)
		if err == nil && rec.DecisionID == decisionID {
			out = append(out, rec)
		}
		return true
	})
	return out, err
}

// matchRule finds the first active rule whose trigger and conditions match.
func (m *Manager) matchRule(trigger string, decision *contracts.Decision) (contracts.EscalationRule, contracts.EscalationPath, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, rule := range m.rules {
		if !rule.Active || rule.Trigger != trigger {
			continue
		}
		if rule.ScopePattern != "" && !policy.MatchPattern(rule.ScopePattern, decision.Action.Type) {
			continue
		}
		if !conditionsMatch(rule.Conditions, decision) {
			continue
		}
		path, ok := m.paths[rule.PathID]
		if !ok {
			continue
		}
		return rule, path, true
	}
	return contracts.EscalationRule{}, contracts.EscalationPath{}, false
}

// conditionsMatch evaluates the supported rule conditions: "scope_pattern"
// against the action type and "min_amount" against the action's amount
// parameter.
func conditionsMatch(conditions map[string]any, decision *contracts.Decision) bool {
	for key, raw := range conditions {
		switch key {
		case "scope_pattern":
			pattern, ok := raw.(string)
			if !ok || !policy.MatchPattern(pattern, decision.Action.Type) {
				return false
			}
		case "min_amount":
			threshold, ok := toFloat(raw)
			if !ok {
				return false
			}
			amount, ok := toFloat(decision.Action.Parameters["amount"])
			if !ok || amount < threshold {
				return false
			}
		default:
			// Unknown conditions never match; silently ignoring one could
			// route a decision past its intended approvers.
			return false
		}
	}
	return true
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	}
	return 0, false
}

func levelByNumber(path contracts.EscalationPath, level int) (contracts.EscalationPathLevel, int) {
	for i, lvl := range path.Levels {
		if lvl.Level == level {
			return lvl, i
		}
	}
	return contracts.EscalationPathLevel{}, -1
}

func levelTimeout(path contracts.EscalationPath, level contracts.EscalationPathLevel) time.Duration {
	ms := level.TimeoutMs
	if ms <= 0 {
		ms = path.DefaultTimeoutMs
	}
	return time.Duration(ms) * time.Millisecond
}

// priorityForLevelIndex bumps priority as escalation climbs levels.
func priorityForLevelIndex(idx int) contracts.ApprovalPriority {
	switch {
	case idx <= 0:
		return contracts.PriorityNormal
	case idx == 1:
		return contracts.PriorityHigh
	}
	return contracts.PriorityCritical
}

func (m *Manager) mutate(ctx context.Context, id string, fn func(*contracts.EscalationRecord) error) (*contracts.EscalationRecord, error) {
	for attempt := 0; ; attempt++ {
		env, err := m.repo.Get(ctx, store.KindEscalation, id)
		if errors.Is(err, store.ErrNotFound) {
			return nil, contracts.NotFound("escalation record", id)
		}
		if err != nil {
			return nil, err
		}
		rec, err := decodeRecord(env)
		if err != nil {
			return nil, err
		}
		if err := fn(rec); err != nil {
			return nil, err
		}

		data, err := json.Marshal(rec)
		if err != nil {
			return nil, err
		}
		next, err := m.repo.CompareAndSwap(ctx, store.KindEscalation, id, env.Version, data)
		if errors.Is(err, store.ErrStaleVersion) && attempt < casRetries {
			continue
		}
		if err != nil {
			return nil, err
		}
		rec.Version = next.Version
		return rec, nil
	}
}

func decodeRecord(env store.Envelope) (*contracts.EscalationRecord, error) {
	var rec contracts.EscalationRecord
	if err := json.Unmarshal(env.Data, &rec); err != nil {
		return nil, fmt.Errorf("decode escalation record %s: %w", env.ID, err)
	}
	rec.Version = env.Version
	return &rec, nil
}
