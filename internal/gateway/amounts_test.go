package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeAmountStrings(t *testing.T) {
	cases := map[string]string{
		"10":      "10.00",
		"10.5":    "10.50",
		"10.505":  "10.51", // half away from zero
		"10.504":  "10.50",
		"0.005":   "0.01",
		"-1.005":  "-1.01",
		"155.00":  "155.00",
		"0":       "0.00",
		"1234.99": "1234.99",
	}
	for in, want := range cases {
		got, err := normalizeAmount(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
}

func TestNormalizeAmountNumbers(t *testing.T) {
	got, err := normalizeAmount(float64(12.5))
	require.NoError(t, err)
	assert.Equal(t, "12.50", got)

	got, err = normalizeAmount(float64(7))
	require.NoError(t, err)
	assert.Equal(t, "7.00", got)
}

func TestNormalizeAmountRejectsGarbage(t *testing.T) {
	for _, in := range []interface{}{nil, "", "ten dollars", true, []string{"1"}} {
		_, err := normalizeAmount(in)
		assert.Error(t, err, "%v", in)
	}
}

func TestNormalizeOptionalAmountDefaultsToZero(t *testing.T) {
	got, err := normalizeOptionalAmount(nil)
	require.NoError(t, err)
	assert.Equal(t, "0.00", got)

	got, err = normalizeOptionalAmount("")
	require.NoError(t, err)
	assert.Equal(t, "0.00", got)

	got, err = normalizeOptionalAmount("3.1")
	require.NoError(t, err)
	assert.Equal(t, "3.10", got)
}
