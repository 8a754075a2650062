// Package conflict detects and resolves collisions between registered
// policies: pairwise scope analysis producing PolicyConflicts, plus a
// strategy-driven resolver that picks a winning enforcement.
package conflict

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/arbiter/pkg/contracts"
	"github.com/Mindburn-Labs/arbiter/pkg/policy"
)

// Detector holds the registered policy set and performs pairwise analysis.
type Detector struct {
	mu       sync.RWMutex
	policies map[string]contracts.PolicyDefinition
	clock    func() time.Time
}

// NewDetector creates an empty detector.
func NewDetector() *Detector {
	return &Detector{
		policies: make(map[string]contracts.PolicyDefinition),
		clock:    time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (d *Detector) WithClock(clock func() time.Time) *Detector {
	d.clock = clock
	return d
}

// Register adds a policy to the analyzed set.
func (d *Detector) Register(def contracts.PolicyDefinition) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.policies[def.ID] = def
}

// Unregister removes a policy from the analyzed set.
func (d *Detector) Unregister(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.policies, id)
}

// Policy returns a registered policy by id.
func (d *Detector) Policy(id string) (contracts.PolicyDefinition, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.policies[id]
	return p, ok
}

// DetectConflicts compares every pair of registered policies whose scopes
// overlap, optionally restricted to policies overlapping the given scope,
// and appends CIRCULAR conflicts found in the supersedes/reference graph.
// Output order is deterministic (sorted by policy ids).
func (d *Detector) DetectConflicts(scope *contracts.PolicyScope) []contracts.PolicyConflict {
	d.mu.RLock()
	candidates := make([]contracts.PolicyDefinition, 0, len(d.policies))
	for _, p := range d.policies {
		if scope != nil && !policy.ScopesOverlap(*scope, p.Scope) {
			continue
		}
		candidates = append(candidates, p)
	}
	d.mu.RUnlock()

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].ID < candidates[j].ID })

	now := d.clock()
	var conflicts []contracts.PolicyConflict
	for i := 0; i < len(candidates); i++ {
		for j := i + 1; j < len(candidates); j++ {
			a, b := candidates[i], candidates[j]
			if !policy.ScopesOverlap(a.Scope, b.Scope) {
				continue
			}
			ctype, severity, ok := classify(a, b)
			if !ok {
				continue
			}
			conflicts = append(conflicts, contracts.PolicyConflict{
				ID:               uuid.New().String(),
				Type:             ctype,
				PolicyIDs:        []string{a.ID, b.ID},
				OverlappingScope: policy.OverlapDescription(a.Scope, b.Scope),
				Severity:         severity,
				DetectedAt:       now,
			})
		}
	}

	conflicts = append(conflicts, d.detectCycles(candidates, now)...)
	return conflicts
}

// classify determines the conflict type of an overlapping pair.
//
// CONTRADICTION: one enforces {BLOCK, ESCALATE} while the other ANNOTATEs —
// the pair prescribes incompatible outcomes for the same action.
// AMBIGUOUS_PRIORITY: enforcement differs and both carry the same explicit
// numeric priority, so priority cannot break the tie.
// OVERLAP: enforcement differs at all.
func classify(a, b contracts.PolicyDefinition) (contracts.ConflictType, contracts.ConflictSeverity, bool) {
	if a.Enforcement == b.Enforcement {
		return "", "", false
	}
	if isContradiction(a.Enforcement, b.Enforcement) {
		return contracts.ConflictContradiction, contracts.ConflictHigh, true
	}
	if a.Priority != nil && b.Priority != nil && *a.Priority == *b.Priority {
		return contracts.ConflictAmbiguousPriority, contracts.ConflictMedium, true
	}
	return contracts.ConflictOverlap, contracts.ConflictLow, true
}

func isContradiction(a, b contracts.EnforcementMode) bool {
	hard := func(m contracts.EnforcementMode) bool {
		return m == contracts.EnforcementBlock || m == contracts.EnforcementEscalate
	}
	return (hard(a) && b == contracts.EnforcementAnnotate) ||
		(hard(b) && a == contracts.EnforcementAnnotate)
}

// detectCycles runs DFS over the supersedes/reference graph and reports each
// cycle once as a CIRCULAR conflict.
func (d *Detector) detectCycles(candidates []contracts.PolicyDefinition, now time.Time) []contracts.PolicyConflict {
	graph := make(map[string][]string, len(candidates))
	present := make(map[string]bool, len(candidates))
	for _, p := range candidates {
		present[p.ID] = true
	}
	for _, p := range candidates {
		var edges []string
		if p.SupersedesID != "" && present[p.SupersedesID] {
			edges = append(edges, p.SupersedesID)
		}
		for _, ref := range p.References {
			if present[ref] {
				edges = append(edges, ref)
			}
		}
		sort.Strings(edges)
		graph[p.ID] = edges
	}

	const (
		unvisited = 0
		inStack   = 1
		done      = 2
	)
	state := make(map[string]int, len(graph))
	seen := make(map[string]bool)
	var conflicts []contracts.PolicyConflict
	var stack []string

	var visit func(node string)
	visit = func(node string) {
		state[node] = inStack
		stack = append(stack, node)
		for _, next := range graph[node] {
			switch state[next] {
			case unvisited:
				visit(next)
			case inStack:
				cycle := extractCycle(stack, next)
				key := cycleKey(cycle)
				if !seen[key] {
					seen[key] = true
					conflicts = append(conflicts, contracts.PolicyConflict{
						ID:         uuid.New().String(),
						Type:       contracts.ConflictCircular,
						PolicyIDs:  cycle,
						Severity:   contracts.ConflictCritical,
						DetectedAt: now,
					})
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[node] = done
	}

	ids := make([]string, 0, len(graph))
	for id := range graph {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if state[id] == unvisited {
			visit(id)
		}
	}
	return conflicts
}

// extractCycle slices the DFS stack from the first occurrence of start.
func extractCycle(stack []string, start string) []string {
	for i, id := range stack {
		if id == start {
			cycle := make([]string, len(stack)-i)
			copy(cycle, stack[i:])
			return cycle
		}
	}
	return nil
}

// cycleKey canonicalizes a cycle by rotating its smallest id to the front so
// the same cycle discovered from different entry points deduplicates.
func cycleKey(cycle []string) string {
	if len(cycle) == 0 {
		return ""
	}
	min := 0
	for i, id := range cycle {
		if id < cycle[min] {
			min = i
		}
	}
	key := ""
	for i := 0; i < len(cycle); i++ {
		key += cycle[(min+i)%len(cycle)] + "|"
	}
	return key
}
