// Package audiortp implements the RTP audio payloader of spec.md
// §4.5: AES-128-CBC encryption of each Opus packet with a per-packet
// derived IV, a 12-byte RTP header with packet-type 97, and a fixed
// 4-data/2-parity Reed-Solomon shard geometry flushed every 4th
// packet.
//
// Grounded on the same original_source material as internal/videortp
// (original_source/src/moonlight-server/gst-plugin/gstrtpmoonlightpay_audio.cpp
// for AUDIO_DATA_SHARDS/AUDIO_FEC_SHARDS and the packetType=97
// constant confirmed in original_source/tests/testGSTPlugin.cpp); the
// AES-CBC IV-derivation idiom follows
// _examples/zalo-moonparty/moonlight-common-go/crypto/crypto.go's
// Context, and the CBC primitive itself is internal/wirecrypto's
// AES128CBC.
package audiortp

import (
	"encoding/binary"
	"fmt"

	"github.com/pion/rtp"

	"github.com/flarexio/wolfstream/internal/fec"
	"github.com/flarexio/wolfstream/internal/wirecrypto"
)

const (
	// DataShards is the fixed number of audio data shards per FEC
	// group (spec.md §4.5).
	DataShards = 4
	// ParityShards is the fixed number of audio parity shards per FEC
	// group.
	ParityShards = 2

	// PacketType is the RTP payload-type byte Moonlight clients expect
	// for audio packets.
	PacketType = 97
	// FECPacketType is used on the emitted parity packets to
	// distinguish them from data packets at the RTP layer.
	FECPacketType = 127

	timestampStepMs = 5
)

// StreamState carries the payloader's running sequence number and
// timestamp across calls.
type StreamState struct {
	CurSeqNumber   uint16
	CurTimestamp   uint32
	shardBuf       [][]byte
	shardBufFilled int
}

// Options configures the payloader.
type Options struct {
	AESKey [16]byte
	AESIV  [16]byte
}

// Packet is one emitted RTP audio packet.
type Packet struct {
	Header  rtp.Header
	Payload []byte
}

// Marshal serialises p as a 12-byte RTP header followed by its
// payload.
func (p *Packet) Marshal() ([]byte, error) {
	rtpBytes, err := p.Header.Marshal()
	if err != nil {
		return nil, fmt.Errorf("audiortp: marshal rtp header: %w", err)
	}
	out := make([]byte, 0, len(rtpBytes)+len(p.Payload))
	out = append(out, rtpBytes...)
	out = append(out, p.Payload...)
	return out, nil
}

// deriveIV implements spec.md §4.5 step 1: interpret the first 4
// bytes of the configured 16-byte aes_iv as a little-endian u32, add
// cur_seq_number, and write the result back as the effective IV for
// this packet.
func deriveIV(base [16]byte, seq uint16) [16]byte {
	iv := base
	counter := binary.LittleEndian.Uint32(iv[0:4])
	counter += uint32(seq)
	binary.LittleEndian.PutUint32(iv[0:4], counter)
	return iv
}

// Payload encrypts and packetises one pre-padded Opus packet,
// returning the data packet plus, every 4th call, the 2 FEC parity
// packets computed over the preceding group of 4.
func Payload(opusPacket []byte, state *StreamState, opts Options) (data Packet, parity []Packet, err error) {
	iv := deriveIV(opts.AESIV, state.CurSeqNumber)

	ciphertext, err := wirecrypto.AES128CBC(opts.AESKey[:], iv[:], opusPacket, true, false)
	if err != nil {
		return Packet{}, nil, fmt.Errorf("audiortp: encrypt: %w", err)
	}

	data = Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    PacketType,
			SequenceNumber: state.CurSeqNumber,
			Timestamp:      state.CurTimestamp,
		},
		Payload: ciphertext,
	}

	if state.shardBuf == nil {
		state.shardBuf = make([][]byte, DataShards)
	}
	state.shardBuf[state.shardBufFilled] = ciphertext
	state.shardBufFilled++

	if state.shardBufFilled == DataShards {
		parity, err = computeParity(state.shardBuf, state.CurSeqNumber, state.CurTimestamp)
		if err != nil {
			return Packet{}, nil, err
		}
		state.shardBufFilled = 0
		state.shardBuf = make([][]byte, DataShards)
	}

	state.CurSeqNumber++
	state.CurTimestamp += timestampStepMs

	return data, parity, nil
}

// computeParity runs the fixed 4+2 Reed-Solomon geometry over the
// just-completed group of 4 encrypted shards.
func computeParity(shards [][]byte, lastSeq uint16, lastTimestamp uint32) ([]Packet, error) {
	shardLen := 0
	for _, s := range shards {
		if len(s) > shardLen {
			shardLen = len(s)
		}
	}

	padded := make([][]byte, DataShards+ParityShards)
	for i, s := range shards {
		row := make([]byte, shardLen)
		copy(row, s)
		padded[i] = row
	}
	for i := DataShards; i < DataShards+ParityShards; i++ {
		padded[i] = make([]byte, shardLen)
	}

	enc, err := fec.New(DataShards, ParityShards)
	if err != nil {
		return nil, fmt.Errorf("audiortp: fec setup: %w", err)
	}
	if err := enc.Encode(padded); err != nil {
		return nil, fmt.Errorf("audiortp: fec encode: %w", err)
	}

	parity := make([]Packet, ParityShards)
	for i := 0; i < ParityShards; i++ {
		parity[i] = Packet{
			Header: rtp.Header{
				Version:        2,
				PayloadType:    FECPacketType,
				SequenceNumber: lastSeq - DataShards + 1 + uint16(i),
				Timestamp:      lastTimestamp,
			},
			Payload: padded[DataShards+i],
		}
	}

	return parity, nil
}
