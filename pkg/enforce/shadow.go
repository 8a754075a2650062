package enforce

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/Mindburn-Labs/arbiter/pkg/contracts"
)

// ShadowRecorder logs what SHADOW policies would have enforced. Observations
// never affect whether the action proceeds; they exist for policy-development
// dry runs.
//
// Recording is token-bucket limited so a misfiring shadow policy cannot
// flood the log; dropped observations are counted, never blocked on.
type ShadowRecorder struct {
	logger  *slog.Logger
	limiter *rate.Limiter
	clock   func() time.Time

	mu           sync.Mutex
	observations []contracts.ShadowObservation
	dropped      int64
}

// NewShadowRecorder creates a recorder admitting at most perSecond
// observations with the given burst.
func NewShadowRecorder(logger *slog.Logger, perSecond float64, burst int) *ShadowRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	if perSecond <= 0 {
		perSecond = 100
	}
	if burst <= 0 {
		burst = 200
	}
	return &ShadowRecorder{
		logger:  logger,
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
		clock:   time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (s *ShadowRecorder) WithClock(clock func() time.Time) *ShadowRecorder {
	s.clock = clock
	return s
}

// Record stores shadow observations for every failed SHADOW result in the
// verdict and returns how many were recorded.
func (s *ShadowRecorder) Record(decisionID string, verdict *contracts.DecisionVerdict) int {
	recorded := 0
	for _, r := range verdict.PolicyResults {
		if r.Enforcement != contracts.EnforcementShadow || r.Passed {
			continue
		}
		if s.RecordObservation(decisionID, r) {
			recorded++
		}
	}
	return recorded
}

// RecordObservation stores one observation, subject to the rate limit.
func (s *ShadowRecorder) RecordObservation(decisionID string, result contracts.PolicyResult) bool {
	if !s.limiter.Allow() {
		s.mu.Lock()
		s.dropped++
		s.mu.Unlock()
		return false
	}

	obs := contracts.ShadowObservation{
		ID:               uuid.New().String(),
		DecisionID:       decisionID,
		PolicyID:         result.PolicyID,
		PolicyName:       result.PolicyName,
		WouldHaveApplied: contracts.EnforcementShadow,
		Passed:           result.Passed,
		ObservedAt:       s.clock(),
	}

	s.mu.Lock()
	s.observations = append(s.observations, obs)
	s.mu.Unlock()

	s.logger.Info("shadow policy observation",
		"decision_id", decisionID,
		"policy_id", result.PolicyID,
		"policy_name", result.PolicyName,
		"passed", result.Passed)
	return true
}

// Observations returns a copy of everything recorded so far.
func (s *ShadowRecorder) Observations() []contracts.ShadowObservation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]contracts.ShadowObservation, len(s.observations))
	copy(out, s.observations)
	return out
}

// Dropped returns how many observations the rate limit discarded.
func (s *ShadowRecorder) Dropped() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}
