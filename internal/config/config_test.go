package config

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flarexio/wolfstream/internal/model"
)

func selfSignedCert(t *testing.T, cn string) *x509.Certificate {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(time.Hour),
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)

	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	return cert
}

func TestLoadSeedsFreshDocumentWhenAbsent(t *testing.T) {
	assert := assert.New(t)

	dir := t.TempDir()
	store, err := Load(filepath.Join(dir, "config.toml"))
	require.NoError(t, err)

	doc := store.Snapshot()
	assert.NotEmpty(doc.UUID)
	assert.Equal(1, doc.ConfigVersion)
	assert.Empty(doc.PairedClients)
}

func TestAddPairedClientPersistsAndReloads(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)

	path := filepath.Join(t.TempDir(), "config.toml")
	store, err := Load(path)
	require.NoError(err)

	cert := selfSignedCert(t, "test-client")
	client := &model.PairedClient{
		Cert:           cert,
		AppStateFolder: "/var/lib/wolf/clients/test-client",
		RunUID:         1000,
		RunGID:         1000,
		PairedAt:       time.Now(),
	}

	require.NoError(store.AddPairedClient(client))

	reloaded, err := Load(path)
	require.NoError(err)

	doc := reloaded.Snapshot()
	require.Len(doc.PairedClients, 1)
	assert.Equal("/var/lib/wolf/clients/test-client", doc.PairedClients[0].AppStateFolder)
	assert.Equal(1000, doc.PairedClients[0].RunUID)
}

func TestRemovePairedClientDropsMatchingFingerprint(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)

	path := filepath.Join(t.TempDir(), "config.toml")
	store, err := Load(path)
	require.NoError(err)

	certA := selfSignedCert(t, "client-a")
	certB := selfSignedCert(t, "client-b")

	require.NoError(store.AddPairedClient(&model.PairedClient{Cert: certA, AppStateFolder: "/a"}))
	require.NoError(store.AddPairedClient(&model.PairedClient{Cert: certB, AppStateFolder: "/b"}))

	require.NoError(store.RemovePairedClient(sha256.Sum256(certA.Raw)))

	doc := store.Snapshot()
	require.Len(doc.PairedClients, 1)
	assert.Equal("/b", doc.PairedClients[0].AppStateFolder)
}
