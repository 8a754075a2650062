package sandbox

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/arbiter/pkg/contracts"
	"github.com/Mindburn-Labs/arbiter/pkg/policy"
)

type mapSource struct {
	modules map[string][]byte
	gets    int
}

func (s *mapSource) Get(_ context.Context, address string) ([]byte, error) {
	s.gets++
	b, ok := s.modules[address]
	if !ok {
		return nil, errors.New("unknown module")
	}
	return b, nil
}

func TestParseResult(t *testing.T) {
	cases := []struct {
		out  string
		want bool
		err  bool
	}{
		{"true\n", true, false},
		{"false", false, false},
		{"1", true, false},
		{"0", false, false},
		{"", false, true},
		{"maybe", false, true},
	}
	for _, tc := range cases {
		got, err := parseResult(tc.out)
		if tc.err {
			assert.Error(t, err, tc.out)
			continue
		}
		require.NoError(t, err, tc.out)
		assert.Equal(t, tc.want, got, tc.out)
	}
}

func TestEvaluateRejectsBadInlineModule(t *testing.T) {
	ctx := context.Background()
	e, err := NewEvaluator(ctx, nil, DefaultConfig())
	require.NoError(t, err)
	defer func() { _ = e.Close(ctx) }()

	// Invalid base64 payload.
	_, err = e.Evaluate(ctx, "base64:%%%%", &policy.EvalContext{})
	assert.Error(t, err)

	// Valid base64, invalid WASM.
	_, err = e.Evaluate(ctx, "base64:aGVsbG8=", &policy.EvalContext{})
	assert.Error(t, err)
}

func TestEvaluateWithoutSourceIsError(t *testing.T) {
	ctx := context.Background()
	e, err := NewEvaluator(ctx, nil, DefaultConfig())
	require.NoError(t, err)
	defer func() { _ = e.Close(ctx) }()

	_, err = e.Evaluate(ctx, "sha256:deadbeef", &policy.EvalContext{})
	assert.ErrorContains(t, err, "no module source")
}

func TestEvaluateResolvesThroughSource(t *testing.T) {
	ctx := context.Background()
	src := &mapSource{modules: map[string][]byte{}}
	e, err := NewEvaluator(ctx, src, DefaultConfig())
	require.NoError(t, err)
	defer func() { _ = e.Close(ctx) }()

	_, err = e.Evaluate(ctx, "sha256:missing", &policy.EvalContext{})
	assert.ErrorContains(t, err, "resolve wasm module")
	assert.Equal(t, 1, src.gets)
}

func TestEvaluatorImplementsPolicyEvaluator(t *testing.T) {
	var _ policy.Evaluator = (*Evaluator)(nil)
	assert.Equal(t, FormatWASM, (&Evaluator{}).Format())
}

// runawayModule is (module (func (export "_start") (loop (br 0)))),
// assembled by hand: header, type ()->(), one function, the "_start"
// export, and a body that branches back to its own loop forever.
var runawayModule = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	0x01, 0x04, 0x01, 0x60, 0x00, 0x00,
	0x03, 0x02, 0x01, 0x00,
	0x07, 0x0a, 0x01, 0x06, '_', 's', 't', 'a', 'r', 't', 0x00, 0x00,
	0x0a, 0x09, 0x01, 0x07, 0x00, 0x03, 0x40, 0x0c, 0x00, 0x0b, 0x0b,
}

func TestEvaluateInterruptsRunawayModule(t *testing.T) {
	ctx := context.Background()
	e, err := NewEvaluator(ctx, nil, Config{WallClockLimit: 50 * time.Millisecond})
	require.NoError(t, err)
	defer func() { _ = e.Close(ctx) }()

	expr := "base64:" + base64.StdEncoding.EncodeToString(runawayModule)
	start := time.Now()
	ok, err := e.Evaluate(ctx, expr, &policy.EvalContext{Timestamp: time.Now()})
	assert.False(t, ok)
	require.ErrorContains(t, err, "wall-clock limit")
	assert.Less(t, time.Since(start), 10*time.Second, "deadline must interrupt the module, not wait it out")
}

func TestRunawayModuleFailsSafeThroughEngine(t *testing.T) {
	ctx := context.Background()
	e, err := NewEvaluator(ctx, nil, Config{WallClockLimit: 50 * time.Millisecond})
	require.NoError(t, err)
	defer func() { _ = e.Close(ctx) }()

	reg := policy.NewRegistry()
	reg.Register(e)
	engine := policy.NewEngine(reg, nil)

	now := time.Now()
	def := contracts.PolicyDefinition{
		ID:          "pol-runaway",
		Name:        "runaway",
		Enforcement: contracts.EnforcementAnnotate,
		Status:      contracts.PolicyActive,
		Rule: contracts.PolicyRule{
			Format:     FormatWASM,
			Expression: "base64:" + base64.StdEncoding.EncodeToString(runawayModule),
		},
	}

	res, err := engine.EvaluatePolicy(ctx, &def, &policy.EvalContext{Timestamp: now})
	require.NoError(t, err)
	assert.False(t, res.Passed)
	// Evaluator failure forces BLOCK regardless of the configured mode.
	assert.Equal(t, contracts.EnforcementBlock, res.Enforcement)
	assert.Contains(t, res.Error, "wall-clock limit")
}
