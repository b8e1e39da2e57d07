package audiortp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPayloadEmitsParityEveryFourthPacket(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)

	opts := Options{
		AESKey: [16]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16},
		AESIV:  [16]byte{0: 0x01},
	}
	state := &StreamState{}

	opus := make([]byte, 16)
	for i := range opus {
		opus[i] = byte(i)
	}

	var sawParity int
	for i := 0; i < 8; i++ {
		data, parity, err := Payload(opus, state, opts)
		require.NoError(err)
		assert.Equal(uint8(PacketType), data.Header.PayloadType)

		if (i+1)%4 == 0 {
			require.Len(parity, ParityShards)
			sawParity++
			for _, p := range parity {
				assert.Equal(uint8(FECPacketType), p.Header.PayloadType)
			}
		} else {
			assert.Empty(parity)
		}
	}
	assert.Equal(2, sawParity)
}

func TestIVAdvancesWithSequence(t *testing.T) {
	assert := assert.New(t)

	base := [16]byte{0xFF, 0, 0, 0}
	iv0 := deriveIV(base, 0)
	iv5 := deriveIV(base, 5)

	assert.NotEqual(iv0, iv5)
}

func TestSequenceAndTimestampAdvance(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)

	opts := Options{
		AESKey: [16]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16},
	}
	state := &StreamState{}
	opus := make([]byte, 16)

	first, _, err := Payload(opus, state, opts)
	require.NoError(err)
	second, _, err := Payload(opus, state, opts)
	require.NoError(err)

	assert.Equal(first.Header.SequenceNumber+1, second.Header.SequenceNumber)
	assert.Equal(first.Header.Timestamp+timestampStepMs, second.Header.Timestamp)
}
