package identity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOrGenerateCreatesAndPersistsIdentity(t *testing.T) {
	dir := t.TempDir()

	id, err := LoadOrGenerate(dir)
	require.NoError(t, err)
	require.NotNil(t, id.Cert)

	assert.WithinDuration(t, time.Now().Add(validFor), id.Cert.NotAfter, 24*time.Hour)

	tlsCert, err := id.TLSCertificate()
	require.NoError(t, err)
	assert.NotEmpty(t, tlsCert.Certificate)
}

func TestLoadOrGenerateReusesExistingIdentity(t *testing.T) {
	dir := t.TempDir()

	first, err := LoadOrGenerate(dir)
	require.NoError(t, err)

	second, err := LoadOrGenerate(dir)
	require.NoError(t, err)

	assert.Equal(t, first.Cert.SerialNumber, second.Cert.SerialNumber)
}
