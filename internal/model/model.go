// Package model holds the data-model types shared across the server:
// paired clients, pairing attempts, app catalog entries, and stream
// sessions (spec.md §3).
package model

import (
	"crypto/x509"
	"net"
	"time"
)

// PairedClient is a stable record persisted across restarts. Identity
// is hash(client_cert): config.Store.RemovePairedClient matches on the
// certificate's SHA-256. ID holds the client's unique_id, recorded by
// pairing.Manager.Phase4.
type PairedClient struct {
	ID              string
	Cert            *x509.Certificate
	CertPEM         []byte
	AppStateFolder  string
	RunUID, RunGID  int
	PairedAt        time.Time
}

// PairingAttempt is transient per-phase pairing state, keyed by
// ClientUniqueID + "@" + ClientIP.
type PairingAttempt struct {
	Key        string
	UniqueID   string
	ClientIP   string
	ClientCert *x509.Certificate // client cert presented in phase 1

	AESKey          []byte // derived SHA256(salt||pin)[:16]
	ServerSecret    []byte // 16 random bytes, set in phase 2
	ServerChallenge []byte // 16 random bytes, set in phase 2
	ClientHash      []byte // 32 bytes, set in phase 3

	Phase     int
	CreatedAt time.Time
}

// DisplayMode is a (width, height, fps) triple, used for a
// StreamSession's mode and an App's list of modes. /serverinfo
// advertises config.DisplayModeEntry values instead, and the RTSP
// ANNOUNCE handler takes the client's requested size as-is without
// matching it against App.DisplayModes.
type DisplayMode struct {
	Width, Height, FPS int
}

// App is a declarative launch target (spec.md §3).
type App struct {
	ID                 int
	Title              string
	SupportHDR         bool
	EncoderTemplateH264 string
	EncoderTemplateHEVC string
	EncoderTemplateAV1  string
	AudioTemplate       string
	RenderNode          string
	StartVirtualCompositor bool
	JoypadType          string
	DisplayModes        []DisplayMode
	RunnerName          string
}

// EncryptionMaterial carries the AES key/IV pair negotiated at
// /launch and used by the control channel and the audio payloader.
type EncryptionMaterial struct {
	AESKey [16]byte
	AESIV  [16]byte
}

// StreamSession is the central binding object (spec.md §3).
type StreamSession struct {
	SessionID string

	DisplayMode DisplayMode
	AudioChannelCount int

	Encryption EncryptionMaterial

	ClientIP net.IP
	App      *App

	VideoPort int
	AudioPort int

	// ControlPeer is the (at most one) attached control-channel peer
	// address; nil when no ENet peer is attached.
	ControlPeer *net.UDPAddr

	Joypads map[int]*JoypadHandle

	CreatedAt time.Time
}

// JoypadHandle is an opaque reference to a virtual input device; the
// actual device lifecycle belongs to the external input-sink
// collaborator (spec.md §1 Non-goals).
type JoypadHandle struct {
	Index        int
	ControllerType int
	Capabilities int
}

// VideoSession is fired on the event bus by the RTSP ANNOUNCE handler
// (spec.md §3, §4.7).
type VideoSession struct {
	SessionID string

	Width, Height, FPS int
	BitrateKbps        int
	PacketSize         int
	FECPercentage      int
	MinRequiredFEC     int
	SlicesPerFrame     int
	ColorSpace         int
	ColorRange         int

	HEVC bool
	AV1  bool
}

// AudioSession is fired alongside VideoSession on ANNOUNCE.
type AudioSession struct {
	SessionID string
	ChannelCount int
	ChannelMask  int
	Quality      int
}
