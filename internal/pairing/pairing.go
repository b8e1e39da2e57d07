// Package pairing implements the server side of the five-phase
// Moonlight pairing handshake, spec.md §4.6. It is the mirror image
// of _examples/flarexio-game/nvstream/pairing.go's pairingManager,
// which drives this same handshake from the client role; every step
// here inverts one of that file's steps (encrypt becomes decrypt,
// "send challenge" becomes "receive and respond to challenge", and so
// on).
package pairing

import (
	"context"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/flarexio/wolfstream/internal/model"
	"github.com/flarexio/wolfstream/internal/wirecrypto"
)

// Phase identifies which step of the handshake a PairingAttempt has
// most recently completed.
type Phase int

const (
	PhaseServerCert Phase = iota + 1
	PhaseClientChallenge
	PhaseServerChallengeResp
	PhaseClientPairingSecret
	PhaseComplete
)

var (
	ErrPairingInProgress = errors.New("pairing: attempt already in progress for this client")
	ErrPinIncorrect      = errors.New("pairing: pin incorrect")
	ErrNoSuchAttempt     = errors.New("pairing: no attempt for this (unique_id, client_ip)")
	ErrMalformedRequest  = errors.New("pairing: malformed request")
)

// PinPrompter asks the host operator for the PIN a client is
// presenting out of band, and blocks until it is supplied. Phase 1's
// HTTP handler suspends on this call (spec.md §4.6 Phase 1).
type PinPrompter interface {
	PromptPIN(ctx context.Context, uniqueID string) (string, error)
}

// ClientStore persists completed pairings and looks them up for the
// Phase 5 pairing-challenge check.
type ClientStore interface {
	Save(client *model.PairedClient) error
	FindByCert(cert *x509.Certificate) (*model.PairedClient, bool)
}

// Manager drives the server side of the handshake, keyed by
// (uniqueID, clientIP) per spec.md §4.6.
type Manager struct {
	mu        sync.Mutex
	attempts  map[string]*model.PairingAttempt

	serverCert    *x509.Certificate
	serverCertPEM []byte
	hostKey       *rsa.PrivateKey

	prompter PinPrompter
	store    ClientStore

	log *zap.Logger
}

// New builds a Manager. serverCert/hostKey are the server's own
// identity, presented to clients in Phase 1 and used to sign the
// server secret in Phase 3.
func New(serverCert *x509.Certificate, serverCertPEM []byte, hostKey *rsa.PrivateKey, prompter PinPrompter, store ClientStore, log *zap.Logger) *Manager {
	return &Manager{
		attempts:      make(map[string]*model.PairingAttempt),
		serverCert:    serverCert,
		serverCertPEM: serverCertPEM,
		hostKey:       hostKey,
		prompter:      prompter,
		store:         store,
		log:           log,
	}
}

func attemptKey(uniqueID, clientIP string) string {
	return uniqueID + "@" + clientIP
}

// BeginPhase1 handles GET /pair?phrase=getservercert: it prompts for
// the PIN, derives aes_key, and returns the server certificate PEM
// hex-encoded for the caller to place in the XML response body.
func (m *Manager) BeginPhase1(ctx context.Context, uniqueID, clientIP string, saltHex, clientCertHex string) (serverCertHex string, err error) {
	m.mu.Lock()
	key := attemptKey(uniqueID, clientIP)
	if _, exists := m.attempts[key]; exists {
		m.mu.Unlock()
		return "", ErrPairingInProgress
	}
	m.attempts[key] = &model.PairingAttempt{Key: key, UniqueID: uniqueID, ClientIP: clientIP, Phase: int(PhaseServerCert), CreatedAt: time.Now()}
	m.mu.Unlock()

	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		m.abandon(key)
		return "", fmt.Errorf("%w: salt: %v", ErrMalformedRequest, err)
	}
	clientCertDER, err := hex.DecodeString(clientCertHex)
	if err != nil {
		m.abandon(key)
		return "", fmt.Errorf("%w: clientcert: %v", ErrMalformedRequest, err)
	}
	clientCert, err := wirecrypto.LoadCertificate(clientCertDER)
	if err != nil {
		m.abandon(key)
		return "", fmt.Errorf("%w: %v", ErrMalformedRequest, err)
	}

	pin, err := m.prompter.PromptPIN(ctx, uniqueID)
	if err != nil {
		m.abandon(key)
		return "", fmt.Errorf("pairing: pin prompt: %w", err)
	}

	saltedPIN := append(append([]byte{}, salt...), []byte(pin)...)
	hash := wirecrypto.SHA256(saltedPIN)
	aesKey := append([]byte{}, hash[:16]...)

	m.mu.Lock()
	attempt := m.attempts[key]
	attempt.ClientCert = clientCert
	attempt.AESKey = aesKey
	attempt.Phase = int(PhaseServerCert)
	m.mu.Unlock()

	m.log.Debug("pairing phase 1 complete", zap.String("unique_id", uniqueID))

	return hex.EncodeToString(m.serverCertPEM), nil
}

// Phase2 handles GET /pair?clientchallenge=<hex>.
func (m *Manager) Phase2(uniqueID, clientIP, clientChallengeHex string) (challengeResponseHex string, err error) {
	attempt, err := m.get(uniqueID, clientIP)
	if err != nil {
		return "", err
	}

	encryptedChallenge, err := hex.DecodeString(clientChallengeHex)
	if err != nil {
		return "", fmt.Errorf("%w: clientchallenge: %v", ErrMalformedRequest, err)
	}

	decrypted, err := wirecrypto.AES128ECB(attempt.AESKey, encryptedChallenge, false, false)
	if err != nil {
		return "", fmt.Errorf("pairing: decrypt client challenge: %w", err)
	}

	serverSecret, err := wirecrypto.Random(16)
	if err != nil {
		return "", err
	}
	serverChallenge, err := wirecrypto.Random(16)
	if err != nil {
		return "", err
	}

	hashInput := append(append([]byte{}, decrypted...), wirecrypto.CertSignature(m.serverCert)...)
	hashInput = append(hashInput, serverSecret...)
	hash := wirecrypto.SHA256(hashInput)

	response := append(append([]byte{}, hash[:]...), serverChallenge...)
	encryptedResponse, err := wirecrypto.AES128ECB(attempt.AESKey, response, true, false)
	if err != nil {
		return "", fmt.Errorf("pairing: encrypt challenge response: %w", err)
	}

	m.mu.Lock()
	attempt.ServerSecret = serverSecret
	attempt.ServerChallenge = serverChallenge
	attempt.Phase = int(PhaseClientChallenge)
	m.mu.Unlock()

	return hex.EncodeToString(encryptedResponse), nil
}

// Phase3 handles GET /pair?serverchallengeresp=<hex>.
func (m *Manager) Phase3(uniqueID, clientIP, serverChallengeRespHex string) (pairingSecretHex string, err error) {
	attempt, err := m.get(uniqueID, clientIP)
	if err != nil {
		return "", err
	}

	encryptedClientHash, err := hex.DecodeString(serverChallengeRespHex)
	if err != nil {
		return "", fmt.Errorf("%w: serverchallengeresp: %v", ErrMalformedRequest, err)
	}

	clientHash, err := wirecrypto.AES128ECB(attempt.AESKey, encryptedClientHash, false, false)
	if err != nil {
		return "", fmt.Errorf("pairing: decrypt client hash: %w", err)
	}
	if len(clientHash) < sha256.Size {
		return "", fmt.Errorf("%w: client hash too short", ErrMalformedRequest)
	}

	signature, err := wirecrypto.Sign(m.hostKey, attempt.ServerSecret)
	if err != nil {
		return "", fmt.Errorf("pairing: sign server secret: %w", err)
	}

	pairingSecret := append(append([]byte{}, attempt.ServerSecret...), signature...)

	m.mu.Lock()
	attempt.ClientHash = clientHash[:sha256.Size]
	attempt.Phase = int(PhaseServerChallengeResp)
	m.mu.Unlock()

	return hex.EncodeToString(pairingSecret), nil
}

// Phase4 handles GET /pair?clientpairingsecret=<hex>. On success it
// persists a PairedClient via the ClientStore.
func (m *Manager) Phase4(uniqueID, clientIP, clientPairingSecretHex string) error {
	attempt, err := m.get(uniqueID, clientIP)
	if err != nil {
		return err
	}

	decoded, err := hex.DecodeString(clientPairingSecretHex)
	if err != nil {
		return fmt.Errorf("%w: clientpairingsecret: %v", ErrMalformedRequest, err)
	}
	if len(decoded) < 16 {
		return fmt.Errorf("%w: clientpairingsecret too short", ErrMalformedRequest)
	}

	clientSecret := decoded[:16]
	clientSignature := decoded[16:]

	expectedHash := wirecrypto.SHA256(append(append(append([]byte{}, attempt.ServerChallenge...), wirecrypto.CertSignature(attempt.ClientCert)...), clientSecret...))
	if string(expectedHash[:]) != string(attempt.ClientHash) {
		m.abandon(attempt.Key)
		return ErrPinIncorrect
	}

	pub, ok := attempt.ClientCert.PublicKey.(*rsa.PublicKey)
	if !ok {
		m.abandon(attempt.Key)
		return fmt.Errorf("%w: client cert has no RSA public key", ErrMalformedRequest)
	}
	if !wirecrypto.Verify(pub, clientSecret, clientSignature) {
		m.abandon(attempt.Key)
		return ErrPinIncorrect
	}

	client := &model.PairedClient{
		ID:       uniqueID,
		Cert:     attempt.ClientCert,
		CertPEM:  attempt.ClientCert.Raw,
		PairedAt: time.Now(),
	}
	if err := m.store.Save(client); err != nil {
		return fmt.Errorf("pairing: persist client: %w", err)
	}

	m.mu.Lock()
	attempt.Phase = int(PhaseClientPairingSecret)
	m.mu.Unlock()

	m.log.Info("client paired", zap.String("unique_id", uniqueID))

	return nil
}

// Phase5 handles GET /pair?phrase=pairchallenge over HTTPS: the
// client's TLS-presented certificate must already match a persisted
// PairedClient. On success the PairingAttempt is dropped.
func (m *Manager) Phase5(uniqueID, clientIP string, presentedCert *x509.Certificate) error {
	client, ok := m.store.FindByCert(presentedCert)
	if !ok {
		return ErrNoSuchAttempt
	}
	if !wirecrypto.VerifyClientCertificate(presentedCert, client.Cert) {
		return ErrNoSuchAttempt
	}

	m.abandon(attemptKey(uniqueID, clientIP))

	return nil
}

func (m *Manager) get(uniqueID, clientIP string) (*model.PairingAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	attempt, ok := m.attempts[attemptKey(uniqueID, clientIP)]
	if !ok {
		return nil, ErrNoSuchAttempt
	}
	return attempt, nil
}

func (m *Manager) abandon(key string) {
	m.mu.Lock()
	delete(m.attempts, key)
	m.mu.Unlock()
}

// ReapIdle drops any pairing attempt older than maxAge, implementing
// the idle-client reaper supplemented from original_source (spec.md
// §3's "Supplemented Features").
func (m *Manager) ReapIdle(maxAge time.Duration, now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	reaped := 0
	for key, attempt := range m.attempts {
		if now.Sub(attempt.CreatedAt) > maxAge {
			delete(m.attempts, key)
			reaped++
		}
	}
	return reaped
}
