package app

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseIssuers(t *testing.T) {
	t.Parallel()

	issuers, err := parseIssuers([]string{
		"https://idp.example.com/realms/dev=https://idp.example.com/realms/dev/protocol/openid-connect/certs",
	})
	require.NoError(t, err)
	require.Len(t, issuers, 1)
	assert.Equal(t, "https://idp.example.com/realms/dev", issuers[0].Issuer)

	_, err = parseIssuers([]string{"no-separator"})
	assert.Error(t, err)

	_, err = parseIssuers([]string{"=https://idp.example.com/certs"})
	assert.Error(t, err)

	issuers, err = parseIssuers(nil)
	require.NoError(t, err)
	assert.Empty(t, issuers)
}

func TestProbeBaseURL(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "http://127.0.0.1:8000", probeBaseURL(":8000"))
	assert.Equal(t, "http://127.0.0.1:8000", probeBaseURL("0.0.0.0:8000"))
	assert.Equal(t, "http://10.1.2.3:9000", probeBaseURL("10.1.2.3:9000"))
}
