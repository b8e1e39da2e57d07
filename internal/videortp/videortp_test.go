package videortp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestPacketisationTwoPackets covers spec.md §8 S5: a 10-byte payload
// splits into exactly two RTP packets, with the expected SOF/EOF
// flags and zero-padding on the final packet. S5's "payload_size=10"
// names the per-packet chunk capacity after header overhead; here
// that means a configured PayloadSize of chunk+MaxRTPHeaderSize (26),
// since chunk = PayloadSize - MaxRTPHeaderSize per spec.md §4.4 Step B.
func TestPacketisationTwoPackets(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)

	state := &StreamState{}
	opts := Options{
		PayloadSize: 10 + MaxRTPHeaderSize,
		AddPadding:  true,
	}

	packets, err := Payload([]byte("$A PAYLOAD"), false, state, opts)
	require.NoError(err)
	require.Len(packets, 2)

	assert.Equal(byte(FlagContainsPicData|FlagSOF), packets[0].MLHeader.Flags)
	assert.Equal(byte(FlagContainsPicData|FlagEOF), packets[1].MLHeader.Flags)

	last := packets[1].Payload
	require.True(len(last) >= 2)
	assert.Equal(byte(0), last[len(last)-1])
	assert.Equal(byte(0), last[len(last)-2])

	assert.Equal(uint32(2), state.CurSeqNumber)
	assert.Equal(uint32(1), state.FrameNum)
}

func TestPacketisationIDRFlag(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)

	state := &StreamState{}
	opts := Options{PayloadSize: 64, AddPadding: true}

	packets, err := Payload([]byte("keyframe payload bytes"), true, state, opts)
	require.NoError(err)
	require.NotEmpty(packets)

	// Byte 3 of the 8-byte video header carries the frame type.
	assert.Equal(byte(frameTypeIDR), packets[0].Payload[3])
}

func TestFECParityPacketsGenerated(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)

	state := &StreamState{}
	opts := Options{
		PayloadSize:           32,
		FECPercentage:         50,
		MinRequiredFECPackets: 1,
		AddPadding:            true,
	}

	frame := make([]byte, 200)
	for i := range frame {
		frame[i] = byte(i)
	}

	packets, err := Payload(frame, true, state, opts)
	require.NoError(err)

	parityCount := 0
	for _, p := range packets {
		if p.IsParity {
			parityCount++
		}
	}
	assert.Greater(parityCount, 0)
}

func TestMarshalRoundTripLength(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)

	state := &StreamState{}
	opts := Options{PayloadSize: 64, AddPadding: true}

	packets, err := Payload([]byte("a single unpadded test payload"), false, state, opts)
	require.NoError(err)

	raw, err := packets[0].Marshal()
	require.NoError(err)
	assert.Equal(packets[0].Header.MarshalSize()+moonlightHeaderSize+len(packets[0].Payload), len(raw))
}
