package wirecrypto

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestPairingDerivation exercises the exact vector from spec.md §8
// item 4.
func TestPairingDerivation(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	salt, err := hex.DecodeString("ff5dc6eda99339a8a0793e216c4257c4")
	require.NoError(err)

	pin := "5338"
	saltedPin := append(append([]byte{}, salt...), []byte(pin)...)
	hash := SHA256(saltedPin)
	aesKey := hash[:16]

	assert.Equal("5EA186FFBA663C75AEC82187CE502647", strings.ToUpper(hex.EncodeToString(aesKey)))

	ciphertext, err := hex.DecodeString("c05930ac81d7bd426344235436046018")
	require.NoError(err)

	plaintext, err := AES128ECB(aesKey, ciphertext, false, false)
	require.NoError(err)

	assert.Equal("E3A915CCCB4C60206077D7E9A12316A5", strings.ToUpper(hex.EncodeToString(plaintext)))
}

func TestAESRoundTripECB(t *testing.T) {
	assert := assert.New(t)
	key := []byte("0123456789abcdef")
	plaintext := []byte("hello moonlight world, this is a longer message")

	ciphertext, err := AES128ECB(key, plaintext, true, true)
	assert.NoError(err)

	decoded, err := AES128ECB(key, ciphertext, false, true)
	assert.NoError(err)
	assert.Equal(plaintext, decoded)
}

func TestAESRoundTripCBC(t *testing.T) {
	assert := assert.New(t)
	key := []byte("0123456789abcdef")
	iv := make([]byte, 16)

	plaintext := []byte("opus packet payload, pre-padded by caller!!")

	ciphertext, err := AES128CBC(key, iv, plaintext, true, true)
	assert.NoError(err)

	decoded, err := AES128CBC(key, iv, ciphertext, false, true)
	assert.NoError(err)
	assert.Equal(plaintext, decoded)
}

func TestAESRoundTripGCM(t *testing.T) {
	assert := assert.New(t)
	key := []byte("0123456789abcdef")
	iv := make([]byte, 16)

	plaintext := []byte("control channel payload")

	ciphertext, tag, err := AES128GCMEncrypt(key, iv, plaintext)
	assert.NoError(err)
	assert.Len(tag, GCMTagSize)

	decoded, err := AES128GCMDecrypt(key, iv, ciphertext, tag)
	assert.NoError(err)
	assert.Equal(plaintext, decoded)

	// Flipping any byte of the tag must fail authentication (S6).
	badTag := append([]byte{}, tag...)
	badTag[0] ^= 0xFF
	_, err = AES128GCMDecrypt(key, iv, ciphertext, badTag)
	assert.ErrorIs(err, ErrAuthFail)
}

func TestSignVerify(t *testing.T) {
	assert := assert.New(t)
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	assert.NoError(err)

	msg := []byte("client secret bytes")
	sig, err := Sign(priv, msg)
	assert.NoError(err)

	assert.True(Verify(&priv.PublicKey, msg, sig))

	tampered := append([]byte{}, msg...)
	tampered[0] ^= 0xFF
	assert.False(Verify(&priv.PublicKey, tampered, sig))
}
