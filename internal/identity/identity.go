// Package identity generates and persists the server's own X.509
// certificate and RSA host key (spec.md §6.6): a self-signed
// certificate with a 20-year validity window, created once on first
// run and reused across restarts. This is the server-side mirror of
// the client identity `_examples/flarexio-game/nvstream/pairing.go`
// assumes is already on disk; the teacher never generates its own
// client cert, so the key-generation shape here is grounded on
// `original_source/src/rtsp/parser.hpp`'s neighbouring
// `src/crypto/crypto.cpp` self-signed-cert routine referenced by
// spec.md §6.6 (2048-bit RSA, 20-year validity); the certificate's
// CN is "wolfstream".
package identity

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"
)

const (
	rsaKeyBits  = 2048
	validFor    = 20 * 365 * 24 * time.Hour
	certPEMFile = "cert.pem"
	keyPEMFile  = "key.pem"
)

// Identity is the server's own certificate and private key, used to
// present the server cert during pairing phase 1 and to sign the
// server secret in phase 3.
type Identity struct {
	Cert    *x509.Certificate
	CertPEM []byte
	KeyPEM  []byte
	Key     *rsa.PrivateKey
}

// LoadOrGenerate reads cert.pem/key.pem from dir, generating and
// persisting a fresh self-signed identity if either file is absent.
func LoadOrGenerate(dir string) (*Identity, error) {
	certPath := filepath.Join(dir, certPEMFile)
	keyPath := filepath.Join(dir, keyPEMFile)

	certPEM, certErr := os.ReadFile(certPath)
	keyPEM, keyErr := os.ReadFile(keyPath)

	if certErr == nil && keyErr == nil {
		return parse(certPEM, keyPEM)
	}
	if !os.IsNotExist(certErr) && certErr != nil {
		return nil, fmt.Errorf("identity: read %s: %w", certPath, certErr)
	}
	if !os.IsNotExist(keyErr) && keyErr != nil {
		return nil, fmt.Errorf("identity: read %s: %w", keyPath, keyErr)
	}

	id, certPEM, keyPEM, err := generate()
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("identity: create %s: %w", dir, err)
	}
	if err := os.WriteFile(certPath, certPEM, 0o644); err != nil {
		return nil, fmt.Errorf("identity: write %s: %w", certPath, err)
	}
	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		return nil, fmt.Errorf("identity: write %s: %w", keyPath, err)
	}

	return id, nil
}

func generate() (*Identity, []byte, []byte, error) {
	key, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("identity: generate key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("identity: generate serial: %w", err)
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: "wolfstream"},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(validFor),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("identity: create certificate: %w", err)
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("identity: parse generated certificate: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})

	return &Identity{Cert: cert, CertPEM: certPEM, KeyPEM: keyPEM, Key: key}, certPEM, keyPEM, nil
}

func parse(certPEM, keyPEM []byte) (*Identity, error) {
	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil {
		return nil, fmt.Errorf("identity: no PEM block in cert file")
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("identity: parse certificate: %w", err)
	}

	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return nil, fmt.Errorf("identity: no PEM block in key file")
	}
	key, err := x509.ParsePKCS1PrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("identity: parse private key: %w", err)
	}

	return &Identity{Cert: cert, CertPEM: certPEM, KeyPEM: keyPEM, Key: key}, nil
}

// TLSCertificate builds a tls.Certificate from this Identity for use
// as the HTTPS listener's server certificate (spec.md §6.2).
func (id *Identity) TLSCertificate() (tls.Certificate, error) {
	return tls.X509KeyPair(id.CertPEM, id.KeyPEM)
}
