package gateway

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBodyTopLevel(t *testing.T) {
	b, err := parseBody(strings.NewReader(`{"baseAmount":"10.00","ip":"10.0.0.5"}`), "sale")
	require.NoError(t, err)
	assert.Equal(t, "10.00", b.str("baseAmount"))
	assert.Equal(t, "10.0.0.5", b.str("ip"))
}

func TestParseBodyNestedOverridesTopLevel(t *testing.T) {
	body := `{"ip":"10.0.0.5","sale":{"ip":"10.0.0.9","transaction":{"baseAmount":"10.00"}}}`
	b, err := parseBody(strings.NewReader(body), "sale")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.9", b.str("ip"))
	assert.Equal(t, "10.00", b.str("baseAmount"))
}

func TestParseBodyTransactionBlockWins(t *testing.T) {
	body := `{"baseAmount":"1.00","transaction":{"baseAmount":"2.00"}}`
	b, err := parseBody(strings.NewReader(body), "sale")
	require.NoError(t, err)
	assert.Equal(t, "2.00", b.str("baseAmount"))
}

func TestParseBodyEmptyIsValid(t *testing.T) {
	b, err := parseBody(strings.NewReader(""), "batchClose")
	require.NoError(t, err)
	assert.Equal(t, "", b.str("command"))
}

func TestParseBodyMalformedJSON(t *testing.T) {
	_, err := parseBody(strings.NewReader(`{"oops`), "sale")
	assert.Error(t, err)
}

func TestParseBodyNumericCoercion(t *testing.T) {
	b, err := parseBody(strings.NewReader(`{"port":9001,"tipAmount":2.5,"allowDuplicate":1}`), "sale")
	require.NoError(t, err)
	assert.Equal(t, 9001, b.intval("port"))
	assert.Equal(t, "2.5", b.str("tipAmount"))
	assert.Equal(t, 1, b.flag("allowDuplicate"))
	assert.Equal(t, 0, b.flag("allowPartialAuth"))
}
