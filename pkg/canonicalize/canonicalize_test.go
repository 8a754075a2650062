package canonicalize

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalSortsKeys(t *testing.T) {
	got, err := Canonical(map[string]any{"b": 2, "a": 1, "c": "x"})
	require.NoError(t, err)
	assert.Equal(t, `{"a":1,"b":2,"c":"x"}`, string(got))
}

func TestCanonicalNoHTMLEscaping(t *testing.T) {
	got, err := Canonical(map[string]string{"url": "a<b>&c"})
	require.NoError(t, err)
	assert.Equal(t, `{"url":"a<b>&c"}`, string(got))
}

func TestContentAddressOrderIndependent(t *testing.T) {
	// Two logically identical maps built in different insertion orders.
	a := map[string]any{}
	a["amount"] = 5000
	a["currency"] = "USD"
	b := map[string]any{}
	b["currency"] = "USD"
	b["amount"] = 5000

	ha, err := ContentAddress(a)
	require.NoError(t, err)
	hb, err := ContentAddress(b)
	require.NoError(t, err)
	assert.Equal(t, ha, hb)
	assert.True(t, strings.HasPrefix(ha, AddressPrefix))
}

func TestContentAddressDiffersOnContent(t *testing.T) {
	ha, err := ContentAddress(map[string]any{"amount": 5000})
	require.NoError(t, err)
	hb, err := ContentAddress(map[string]any{"amount": 5001})
	require.NoError(t, err)
	assert.NotEqual(t, ha, hb)
}

func TestEqual(t *testing.T) {
	type payload struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}
	eq, err := Equal(payload{Name: "x", Count: 1}, map[string]any{"count": 1, "name": "x"})
	require.NoError(t, err)
	assert.True(t, eq)
}
