// Package videortp implements the RTP video payloader of spec.md §4.4:
// prepending the 8-byte Moonlight video header, splitting into
// RTP-framed chunks, and computing Reed-Solomon FEC parity packets.
//
// The byte layout here (RTP_PACKET/NV_VIDEO_PACKET field order, the
// FLAG_* and MAX_RTP_HEADER_SIZE constants, the 90-data-shard
// block-splitting threshold) is taken directly from
// original_source/src/moonlight/moonlight/data-structures.hpp and
// original_source/src/moonlight-server/gst-plugin/video.hpp, since
// none of the retrieved Go examples implement a Moonlight video
// sender (only zalo-moonparty's client-side receiver, grounded
// instead for the RTPHeader struct and MaxRTPHeaderSize naming in
// _examples/zalo-moonparty/moonlight-common-go/protocol/packets.go).
// The standard 12-byte RTP layer is built with pion/rtp per
// SPEC_FULL.md §2, wrapping the Moonlight-specific extension header.
package videortp

import (
	"encoding/binary"
	"fmt"

	"github.com/pion/rtp"

	"github.com/flarexio/wolfstream/internal/fec"
)

const (
	// FlagExtension marks the RTP header's extension bit, always set
	// by the Moonlight video transport.
	FlagExtension = 0x10

	// FlagContainsPicData marks a packet as carrying picture data.
	FlagContainsPicData = 0x1
	// FlagEOF marks the last packet of a frame.
	FlagEOF = 0x2
	// FlagSOF marks the first packet of a frame.
	FlagSOF = 0x4

	// MaxRTPHeaderSize is the combined 12-byte RTP header plus 4
	// bytes of reserved space the wire format budgets ahead of the
	// 16-byte Moonlight extension header.
	MaxRTPHeaderSize = 16

	// videoHeaderSize is the short Moonlight video header prepended
	// to the encoded frame before RTP packetisation.
	videoHeaderSize = 8

	// moonlightHeaderSize is the NV_VIDEO_PACKET extension header
	// size, present after the 12-byte RTP header in every packet.
	moonlightHeaderSize = 16

	// DataShardsMax is the largest shard count a single FEC block may
	// contain; above this NVIDIA clients cannot decode the fecInfo
	// field's bit-packed shard index.
	DataShardsMax = 255

	// blockSplitThreshold is the data-shard count above which a frame
	// must be split into three independent FEC blocks (spec.md §4.4).
	blockSplitThreshold = 90

	frameTypePFrame = 0x01
	frameTypeIDR    = 0x02
)

// StreamState carries the payloader's running sequence/frame counters
// across calls, matching the "8-byte stream state" named in spec.md
// §4.4.
type StreamState struct {
	CurSeqNumber uint32
	FrameNum     uint32
}

// Options configures one Payload call.
type Options struct {
	PayloadSize            int
	FECPercentage          int
	MinRequiredFECPackets  int
	AddPadding             bool
}

// Packet is one emitted RTP packet: the standard 12-byte header via
// pion/rtp, the 16-byte Moonlight extension header, and the payload
// bytes (already padded where applicable).
//
// A parity packet carries no independently meaningful MLHeader/Payload
// split — its body is the raw FEC shard row, which already folds a
// parity-derived Moonlight header into its first 16 bytes — so
// Marshal special-cases IsParity to emit RawBody verbatim instead of
// re-serialising MLHeader.
type Packet struct {
	Header   rtp.Header
	MLHeader MoonlightHeader
	Payload  []byte

	IsParity bool
	RawBody  []byte
}

// MoonlightHeader is the NV_VIDEO_PACKET extension header.
type MoonlightHeader struct {
	StreamPacketIndex uint32
	FrameIndex        uint32
	Flags             uint8
	Reserved          uint8
	MultiFecFlags     uint8
	MultiFecBlocks    uint8
	FECInfo           uint32
}

// Marshal serialises p onto the wire exactly as NVIDIA/Moonlight
// clients expect: 12-byte RTP header, 16-byte Moonlight header,
// payload.
func (p *Packet) Marshal() ([]byte, error) {
	rtpBytes, err := p.Header.Marshal()
	if err != nil {
		return nil, fmt.Errorf("videortp: marshal rtp header: %w", err)
	}

	if p.IsParity {
		out := make([]byte, 0, len(rtpBytes)+len(p.RawBody))
		out = append(out, rtpBytes...)
		out = append(out, p.RawBody...)
		return out, nil
	}

	out := make([]byte, 0, len(rtpBytes)+moonlightHeaderSize+len(p.Payload))
	out = append(out, rtpBytes...)

	var mlBuf [moonlightHeaderSize]byte
	binary.LittleEndian.PutUint32(mlBuf[0:4], p.MLHeader.StreamPacketIndex)
	binary.LittleEndian.PutUint32(mlBuf[4:8], p.MLHeader.FrameIndex)
	mlBuf[8] = p.MLHeader.Flags
	mlBuf[9] = p.MLHeader.Reserved
	mlBuf[10] = p.MLHeader.MultiFecFlags
	mlBuf[11] = p.MLHeader.MultiFecBlocks
	binary.LittleEndian.PutUint32(mlBuf[12:16], p.MLHeader.FECInfo)
	out = append(out, mlBuf[:]...)

	out = append(out, p.Payload...)
	return out, nil
}

// Payload turns one encoded frame into the RTP packets (data plus any
// FEC parity packets) per spec.md §4.4 Steps A-D.
func Payload(frame []byte, isIDR bool, state *StreamState, opts Options) ([]Packet, error) {
	header := buildVideoHeader(frame, isIDR, opts.PayloadSize)
	full := append(header, frame...)

	packets, err := generateDataPackets(full, state, opts)
	if err != nil {
		return nil, err
	}

	if opts.FECPercentage > 0 {
		dataShards := len(packets)
		if dataShards > blockSplitThreshold {
			merged, err := applyMultiBlockFEC(packets, state, opts)
			if err != nil {
				return nil, err
			}
			packets = merged
		} else {
			parityPackets, err := applyFEC(packets, state.FrameNum, 0, 0, opts)
			if err != nil {
				return nil, err
			}
			packets = append(packets, parityPackets...)
		}
	}

	state.CurSeqNumber += uint32(len(packets))
	state.FrameNum++

	return packets, nil
}

func buildVideoHeader(frame []byte, isIDR bool, payloadSize int) []byte {
	h := make([]byte, videoHeaderSize)
	h[0] = 0x01 // header_type
	frameType := byte(frameTypePFrame)
	if isIDR {
		frameType = frameTypeIDR
	}
	h[3] = frameType

	chunk := payloadSize - moonlightHeaderSize
	lastLen := (len(frame) + videoHeaderSize) % chunk
	if lastLen == 0 {
		lastLen = chunk
	}
	binary.LittleEndian.PutUint16(h[4:6], uint16(lastLen))
	return h
}

func generateDataPackets(full []byte, state *StreamState, opts Options) ([]Packet, error) {
	chunkSize := opts.PayloadSize - MaxRTPHeaderSize
	if chunkSize <= 0 {
		return nil, fmt.Errorf("videortp: payload_size too small for header overhead")
	}

	totPackets := (len(full) + chunkSize - 1) / chunkSize
	if totPackets == 0 {
		totPackets = 1
	}

	packets := make([]Packet, 0, totPackets)
	for i := 0; i < totPackets; i++ {
		begin := i * chunkSize
		end := begin + chunkSize
		if end > len(full) {
			end = len(full)
		}
		payload := append([]byte{}, full[begin:end]...)

		if len(payload) < chunkSize && opts.AddPadding {
			padded := make([]byte, chunkSize)
			copy(padded, payload)
			payload = padded
		}

		seq := state.CurSeqNumber + uint32(i)

		flags := byte(FlagContainsPicData)
		if i == 0 {
			flags |= FlagSOF
		}
		if i == totPackets-1 {
			flags |= FlagEOF
		}

		packets = append(packets, Packet{
			Header: rtp.Header{
				Version:        2,
				Extension:      true,
				PayloadType:    0,
				SequenceNumber: uint16(seq),
				Timestamp:      0,
				SSRC:           0,
			},
			MLHeader: MoonlightHeader{
				StreamPacketIndex: seq << 8,
				FrameIndex:        state.FrameNum,
				Flags:             flags,
				MultiFecFlags:     0x10,
				MultiFecBlocks:    0,
				FECInfo:           uint32(i)<<12 | uint32(totPackets)<<22,
			},
			Payload: payload,
		})
	}

	return packets, nil
}

type fecGeometry struct {
	blockSize     int
	dataShards    int
	parityShards  int
	fecPercentage int
}

func determineSplit(payloadSize, fecPercentage, minRequiredFEC, dataShards int) fecGeometry {
	blockSize := payloadSize + moonlightHeaderSize - MaxRTPHeaderSize

	parity := (dataShards*fecPercentage + 99) / 100
	if parity < minRequiredFEC {
		parity = minRequiredFEC
		fecPercentage = (100 * parity) / dataShards
	}

	return fecGeometry{
		blockSize:     blockSize,
		dataShards:    dataShards,
		parityShards:  parity,
		fecPercentage: fecPercentage,
	}
}

// applyFEC computes parity packets for a single block of data packets
// (blockIdx/lastBlockIdx are 0 for the non-split case), and rewrites
// the data packets' fecInfo/multiFecBlocks fields with the finalised
// values.
func applyFEC(dataPackets []Packet, frameNum uint32, blockIdx, lastBlockIdx int, opts Options) ([]Packet, error) {
	geom := determineSplit(opts.PayloadSize, opts.FECPercentage, opts.MinRequiredFECPackets, len(dataPackets))
	nrShards := geom.dataShards + geom.parityShards
	if nrShards > DataShardsMax {
		// spec.md §4.4 edge case: skip FEC entirely, emit plain data.
		return nil, nil
	}

	enc, err := fec.New(geom.dataShards, geom.parityShards)
	if err != nil {
		return nil, fmt.Errorf("videortp: fec setup: %w", err)
	}

	shards := make([][]byte, nrShards)
	for i, p := range dataPackets {
		raw, err := marshalBody(p)
		if err != nil {
			return nil, err
		}
		if len(raw) < geom.blockSize {
			padded := make([]byte, geom.blockSize)
			copy(padded, raw)
			raw = padded
		}
		shards[i] = raw
	}
	for i := geom.dataShards; i < nrShards; i++ {
		shards[i] = make([]byte, geom.blockSize)
	}

	if err := enc.Encode(shards); err != nil {
		return nil, fmt.Errorf("videortp: fec encode: %w", err)
	}

	for i := range dataPackets {
		dataPackets[i].MLHeader.FrameIndex = frameNum
		dataPackets[i].MLHeader.FECInfo = uint32(i)<<12 | uint32(geom.dataShards)<<22 | uint32(geom.fecPercentage)<<4
		dataPackets[i].MLHeader.MultiFecBlocks = byte(blockIdx<<4) | byte(lastBlockIdx)
		dataPackets[i].MLHeader.MultiFecFlags = 0x10
	}

	parityPackets := make([]Packet, geom.parityShards)
	for i := 0; i < geom.parityShards; i++ {
		shardIdx := geom.dataShards + i
		parityPackets[i] = Packet{
			Header: rtp.Header{
				Version:     2,
				Extension:   true,
				PayloadType: 0,
			},
			IsParity: true,
			RawBody:  shards[shardIdx],
		}
	}

	return parityPackets, nil
}

// marshalBody renders a data packet's Moonlight header + payload
// (everything after the 12-byte RTP header) into the byte row used as
// an FEC shard.
func marshalBody(p Packet) ([]byte, error) {
	full, err := p.Marshal()
	if err != nil {
		return nil, err
	}
	rtpLen := p.Header.MarshalSize()
	return full[rtpLen:], nil
}

// applyMultiBlockFEC splits data shards into three equal blocks and
// runs FEC independently on each, per spec.md §4.4's ">90 data
// shards" branch, returning the merged list of data+parity packets in
// transmission order with sequence numbers reassigned per block.
func applyMultiBlockFEC(packets []Packet, state *StreamState, opts Options) ([]Packet, error) {
	const nrBlocks = 3
	const lastBlockIdx = 2 << 6

	packetsPerBlock := (len(packets) + nrBlocks - 1) / nrBlocks

	final := make([]Packet, 0, len(packets)+opts.MinRequiredFECPackets*nrBlocks)
	seqBase := state.CurSeqNumber

	for blockIdx := 0; blockIdx < nrBlocks; blockIdx++ {
		start := blockIdx * packetsPerBlock
		if start >= len(packets) {
			break
		}
		end := start + packetsPerBlock
		if end > len(packets) {
			end = len(packets)
		}

		block := packets[start:end]
		for i := range block {
			block[i].Header.SequenceNumber = uint16(seqBase) + uint16(i)
		}

		parity, err := applyFEC(block, state.FrameNum, blockIdx, lastBlockIdx, opts)
		if err != nil {
			return nil, err
		}

		final = append(final, block...)
		final = append(final, parity...)

		seqBase += uint32(len(block) + len(parity))
	}

	return final, nil
}
