package control

import (
	"encoding/binary"
	"encoding/hex"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/flarexio/wolfstream/internal/eventbus"
	"github.com/flarexio/wolfstream/internal/model"
	"github.com/flarexio/wolfstream/internal/wirecrypto"
)

// TestControlPacketRoundTrip covers spec.md §8 S6: a TERMINATION inner
// packet encrypted with the given key and seq=0 decrypts back to the
// original bytes, and fails with ErrAuthFail when the tag is flipped.
func TestControlPacketRoundTrip(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)

	key, err := hex.DecodeString("9d804e47a6aa6624b7d4b502b32cc522")
	require.NoError(err)

	reason := make([]byte, 4)
	binary.BigEndian.PutUint32(reason, TerminationReason)
	inner := encodeControlPacket(PacketTypeTermination, reason)

	iv := deriveIV(0)
	ciphertext, tag, err := wirecrypto.AES128GCMEncrypt(key, iv[:], inner)
	require.NoError(err)

	plaintext, err := wirecrypto.AES128GCMDecrypt(key, iv[:], ciphertext, tag)
	require.NoError(err)
	assert.Equal(inner, plaintext)

	flippedTag := append([]byte{}, tag...)
	flippedTag[0] ^= 0xFF
	_, err = wirecrypto.AES128GCMDecrypt(key, iv[:], ciphertext, flippedTag)
	assert.ErrorIs(err, wirecrypto.ErrAuthFail)
}

type stubLookup struct {
	session *model.StreamSession
	ip      net.IP
}

func (s *stubLookup) ByClientIP(ip net.IP) (*model.StreamSession, bool) {
	if ip.Equal(s.ip) {
		return s.session, true
	}
	return nil, false
}

func (s *stubLookup) AttachControlPeer(sessionID string, addr *net.UDPAddr) {
	s.session.ControlPeer = addr
}

// TestChannelDispatchesTermination drives a real UDP round trip
// through a loopback socket whose read loop hands each datagram to
// Channel.handlePacket: a client sends an encrypted TERMINATION and
// the channel must publish stream.pause for the session.
func TestChannelDispatchesTermination(t *testing.T) {
	require := require.New(t)

	var key [16]byte
	copy(key[:], []byte("0123456789abcdef"))

	session := &model.StreamSession{SessionID: "sess-1", Encryption: model.EncryptionMaterial{AESKey: key}}
	lookup := &stubLookup{session: session, ip: net.ParseIP("127.0.0.1")}
	bus := eventbus.New()

	pauseCh := make(chan string, 1)
	bus.Subscribe(eventbus.TopicPauseStream, func(event any) {
		pauseCh <- event.(string)
	})

	ch := New(lookup, bus, nil, zap.NewNop())

	ready := make(chan *net.UDPAddr, 1)
	go func() {
		addr, err := net.ResolveUDPAddr("udp", "127.0.0.1:0")
		if err != nil {
			return
		}
		conn, err := net.ListenUDP("udp", addr)
		if err != nil {
			return
		}
		ch.conn = conn
		ready <- conn.LocalAddr().(*net.UDPAddr)

		buf := make([]byte, 65536)
		for {
			n, peer, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			ch.handlePacket(buf[:n], peer)
		}
	}()

	var serverAddr *net.UDPAddr
	select {
	case serverAddr = <-ready:
	case <-time.After(time.Second):
		t.Fatal("server never started")
	}

	clientConn, err := net.DialUDP("udp", nil, serverAddr)
	require.NoError(err)
	defer clientConn.Close()

	reason := make([]byte, 4)
	binary.BigEndian.PutUint32(reason, TerminationReason)
	inner := encodeControlPacket(PacketTypeTermination, reason)

	iv := deriveIV(0)
	ciphertext, tag, err := wirecrypto.AES128GCMEncrypt(key[:], iv[:], inner)
	require.NoError(err)

	seqBytes := make([]byte, 4)
	body := append([]byte{}, seqBytes...)
	body = append(body, tag...)
	body = append(body, ciphertext...)
	frame := encodeControlPacket(PacketTypeEncrypted, body)

	_, err = clientConn.Write(frame)
	require.NoError(err)

	select {
	case sessionID := <-pauseCh:
		assert.Equal(t, "sess-1", sessionID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for pause event")
	}
}
