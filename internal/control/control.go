// Package control implements the ENet-style encrypted control channel
// of spec.md §4.8: one UDP socket, shared by all peers, carrying
// AES-128-GCM framed ControlPacket messages, each keyed by the
// StreamSession owning the peer's source IP.
//
// The socket-open/goroutine-per-listener idiom follows
// _examples/flarexio-game/service.go's listen method (net.ListenUDP,
// a per-action zap.Logger, a dedicated goroutine reading in a loop);
// the packet-type enum and IV construction are grounded directly on
// original_source/src/moonlight-protocol/moonlight/control.hpp (the
// authoritative C++ enum, confirmed byte-for-byte against
// _examples/zalo-moonparty/moonlight-common-go/protocol/packets.go's
// PacketTypesGen7Enc as a second source).
package control

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/flarexio/wolfstream/internal/eventbus"
	"github.com/flarexio/wolfstream/internal/model"
	"github.com/flarexio/wolfstream/internal/wirecrypto"
)

// PacketType is the little-endian u16 type tag of a ControlPacket.
type PacketType uint16

const (
	PacketTypeStartA              PacketType = 0x0305
	PacketTypeStartB              PacketType = 0x0307
	PacketTypeInvalidateRefFrames PacketType = 0x0301
	PacketTypeLossStats           PacketType = 0x0201
	PacketTypeFrameStats          PacketType = 0x0204
	PacketTypeInputData           PacketType = 0x0206
	PacketTypeTermination         PacketType = 0x0109
	PacketTypePeriodicPing        PacketType = 0x0200
	PacketTypeIDRFrame            PacketType = 0x0302
	PacketTypeEncrypted           PacketType = 0x0001
	PacketTypeHDRMode             PacketType = 0x010e
	PacketTypeRumbleData          PacketType = 0x010b
	PacketTypeRumbleTriggers      PacketType = 0x5500
	PacketTypeMotionEvent         PacketType = 0x5501
	PacketTypeRGBLEDEvent         PacketType = 0x5502
)

// TerminationReason is the big-endian reason code sent with a
// server-initiated TERMINATION packet (spec.md §4.8 step 5).
const TerminationReason uint32 = 0x80030023

// headerSize is sizeof(ControlPacket): a u16 type followed by a u16
// length (excluding these 4 bytes).
const headerSize = 4

// encryptedOverhead is the ControlEncrypted framing beyond the
// 4-byte ControlPacket header: a 4-byte seq plus a 16-byte GCM tag.
const encryptedOverhead = 4 + 16

// InputHandler decodes and dispatches INPUT_DATA payloads (spec.md
// §4.10); wired in by the caller to avoid a direct dependency on
// internal/input.
type InputHandler func(sessionID string, payload []byte)

// SessionLookup resolves the StreamSession owning a peer's source IP.
type SessionLookup interface {
	ByClientIP(ip net.IP) (*model.StreamSession, bool)
	AttachControlPeer(sessionID string, addr *net.UDPAddr)
}

// Channel is the control-channel UDP listener.
type Channel struct {
	lookup SessionLookup
	bus    *eventbus.Bus
	input  InputHandler
	log    *zap.Logger

	conn *net.UDPConn

	// outboundSeq tracks the server's own per-peer outbound sequence
	// counter, keyed by session ID (spec.md §5's "seq is unique per
	// direction"). Guarded by seqMu since server-initiated sends may
	// race each other across goroutines.
	seqMu       sync.Mutex
	outboundSeq map[string]uint32
}

// New builds a Channel.
func New(lookup SessionLookup, bus *eventbus.Bus, input InputHandler, log *zap.Logger) *Channel {
	return &Channel{
		lookup:      lookup,
		bus:         bus,
		input:       input,
		log:         log.With(zap.String("component", "control")),
		outboundSeq: make(map[string]uint32),
	}
}

// Serve opens the UDP socket at addr and reads packets until ctx is
// cancelled.
func (c *Channel) Serve(ctx context.Context, addr *net.UDPAddr) error {
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("control: listen: %w", err)
	}
	c.conn = conn

	c.log.Info("socket opened", zap.Stringer("addr", addr))

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	buf := make([]byte, 65536)
	for {
		n, peer, err := conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				c.log.Debug("read", zap.Error(err))
				continue
			}
		}

		c.handlePacket(buf[:n], peer)
	}
}

func (c *Channel) handlePacket(data []byte, peer *net.UDPAddr) {
	log := c.log.With(zap.Stringer("peer", peer))

	session, ok := c.lookup.ByClientIP(peer.IP)
	if !ok {
		log.Warn("unknown peer, force-disconnect")
		return
	}

	if len(data) < headerSize {
		log.Warn("short packet")
		return
	}

	packetType := PacketType(binary.LittleEndian.Uint16(data[0:2]))
	length := binary.LittleEndian.Uint16(data[2:4])
	if int(length) > len(data)-headerSize {
		log.Warn("length exceeds packet")
		return
	}
	body := data[headerSize : headerSize+int(length)]

	if packetType != PacketTypeEncrypted {
		log.Warn("unencrypted non-handshake packet rejected", zap.Uint16("type", uint16(packetType)))
		return
	}

	if session.ControlPeer == nil {
		c.lookup.AttachControlPeer(session.SessionID, peer)
		c.bus.Publish(eventbus.TopicResumeStream, session.SessionID)
	}

	c.handleEncrypted(session, body, log)
}

func (c *Channel) handleEncrypted(session *model.StreamSession, body []byte, log *zap.Logger) {
	if len(body) < encryptedOverhead {
		log.Warn("encrypted packet too short")
		return
	}

	seq := binary.LittleEndian.Uint32(body[0:4])
	tag := body[4:20]
	ciphertext := body[20:]

	iv := deriveIV(seq)

	plaintext, err := wirecrypto.AES128GCMDecrypt(session.Encryption.AESKey[:], iv[:], ciphertext, tag)
	if err != nil {
		log.Warn("decrypt failed, dropping packet", zap.Uint32("seq", seq))
		return
	}

	if len(plaintext) < headerSize {
		log.Warn("short decrypted payload")
		return
	}

	nestedType := PacketType(binary.LittleEndian.Uint16(plaintext[0:2]))
	nestedLen := binary.LittleEndian.Uint16(plaintext[2:4])
	if int(nestedLen) > len(plaintext)-headerSize {
		log.Warn("nested length exceeds payload")
		return
	}
	nestedBody := plaintext[headerSize : headerSize+int(nestedLen)]

	switch nestedType {
	case PacketTypeTermination:
		c.bus.Publish(eventbus.TopicPauseStream, session.SessionID)
	case PacketTypeInputData:
		if c.input != nil {
			c.input(session.SessionID, nestedBody)
		}
	default:
		c.bus.Publish(eventbus.TopicControlEvent, ControlEvent{
			SessionID: session.SessionID,
			Type:      nestedType,
			Payload:   nestedBody,
		})
	}
}

// ControlEvent is published for any nested packet type not handled
// internally (spec.md §4.8 step 3's "anything else"), notably watched
// by the video encoder for IDR_FRAME requests.
type ControlEvent struct {
	SessionID string
	Type      PacketType
	Payload   []byte
}

// deriveIV builds the 16-byte AES-GCM IV from a sequence number:
// little-endian u32 in byte 0, followed by 12 zero bytes (spec.md
// §4.8).
func deriveIV(seq uint32) [16]byte {
	var iv [16]byte
	binary.LittleEndian.PutUint32(iv[0:4], seq)
	return iv
}

// SendTermination sends a server-initiated encrypted TERMINATION
// packet to the session's attached control peer (spec.md §4.8 step 5).
func (c *Channel) SendTermination(session *model.StreamSession) error {
	if session.ControlPeer == nil {
		return fmt.Errorf("control: no attached peer for session %s", session.SessionID)
	}

	reason := make([]byte, 4)
	binary.BigEndian.PutUint32(reason, TerminationReason)

	nested := encodeControlPacket(PacketTypeTermination, reason)

	return c.sendEncrypted(session, nested)
}

// sendEncrypted wraps nested (a serialised ControlPacket) in an
// ENCRYPTED frame using the session's own advancing outbound sequence
// counter.
func (c *Channel) sendEncrypted(session *model.StreamSession, nested []byte) error {
	c.seqMu.Lock()
	seq := c.outboundSeq[session.SessionID]
	c.outboundSeq[session.SessionID] = seq + 1
	c.seqMu.Unlock()

	iv := deriveIV(seq)

	ciphertext, tag, err := wirecrypto.AES128GCMEncrypt(session.Encryption.AESKey[:], iv[:], nested)
	if err != nil {
		return fmt.Errorf("control: encrypt: %w", err)
	}

	seqBytes := make([]byte, 4)
	binary.LittleEndian.PutUint32(seqBytes, seq)

	body := make([]byte, 0, encryptedOverhead+len(ciphertext))
	body = append(body, seqBytes...)
	body = append(body, tag...)
	body = append(body, ciphertext...)

	frame := encodeControlPacket(PacketTypeEncrypted, body)

	_, err = c.conn.WriteToUDP(frame, session.ControlPeer)
	return err
}

// encodeControlPacket serialises a ControlPacket: a 4-byte header
// (type, length) followed by body.
func encodeControlPacket(t PacketType, body []byte) []byte {
	out := make([]byte, headerSize+len(body))
	binary.LittleEndian.PutUint16(out[0:2], uint16(t))
	binary.LittleEndian.PutUint16(out[2:4], uint16(len(body)))
	copy(out[headerSize:], body)
	return out
}
