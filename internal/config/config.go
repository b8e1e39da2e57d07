// Package config loads and atomically persists the server's TOML
// configuration file (spec.md §6.6): identity, codec support flags,
// paired clients, the app catalog, and default encoder pipeline
// templates.
//
// The load/marshal shape is grounded on the teacher's own use of
// `pelletier/go-toml/v2` as its declarative-config library (carried
// from `flarexio-game/go.mod` unchanged); the atomic-rewrite-via-
// temp-file-then-rename idiom is grounded on spec.md §5's "writers
// produce a new snapshot and CAS-swap" discipline applied to a file
// instead of a pointer — a temp file plus `os.Rename` is POSIX's
// equivalent of a CAS-swap for durable state.
package config

import (
	"bytes"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pelletier/go-toml/v2"

	"github.com/flarexio/wolfstream/internal/model"
)

// Document is the on-disk TOML shape (spec.md §6.6).
type Document struct {
	UUID          string `toml:"uuid"`
	Hostname      string `toml:"hostname"`
	ConfigVersion int    `toml:"config_version"`
	SupportHEVC   bool   `toml:"support_hevc"`
	SupportAV1    bool   `toml:"support_av1"`

	PairedClients []PairedClientEntry `toml:"paired_clients"`
	Apps          []AppEntry          `toml:"apps"`
	DisplayModes  []DisplayModeEntry  `toml:"display_modes"`

	GStreamer GStreamerConfig `toml:"gstreamer"`
}

// DisplayModeEntry is one `[[display_modes]]` table: a resolution/
// refresh-rate the host advertises on `/serverinfo` (spec.md §6.1's
// `SupportedDisplayMode[]`), independent of any single app.
type DisplayModeEntry struct {
	Width  int `toml:"width"`
	Height int `toml:"height"`
	FPS    int `toml:"fps"`
}

// PairedClientEntry is one `[[paired_clients]]` table.
type PairedClientEntry struct {
	ID             string    `toml:"id"`
	ClientCertPEM  string    `toml:"client_cert"`
	AppStateFolder string    `toml:"app_state_folder"`
	RunUID         int       `toml:"run_uid"`
	RunGID         int       `toml:"run_gid"`
	PairedAt       time.Time `toml:"paired_at"`
}

// AppEntry is one `[[apps]]` table.
type AppEntry struct {
	Title                  string `toml:"title"`
	SupportHDR             bool   `toml:"support_hdr"`
	Runner                 RunnerEntry `toml:"runner"`
	RenderNode             string `toml:"render_node"`
	StartVirtualCompositor bool   `toml:"start_virtual_compositor"`
}

// RunnerEntry names the Runner collaborator an app launches through.
type RunnerEntry struct {
	Name string `toml:"name"`
}

// GStreamerConfig carries the `[gstreamer.video]` / `[gstreamer.audio]`
// default encoder pipeline templates (spec.md §6.5's templated
// strings; this package never parses them, only loads/stores them).
type GStreamerConfig struct {
	Video PipelineTemplates `toml:"video"`
	Audio PipelineTemplates `toml:"audio"`
}

// PipelineTemplates holds the per-codec template strings.
type PipelineTemplates struct {
	H264 string `toml:"h264"`
	HEVC string `toml:"hevc"`
	AV1  string `toml:"av1"`
}

// Store loads a Document from disk and persists updates atomically.
// The current Document is held behind an atomic pointer so readers
// (HTTP handlers, pairing) can snapshot it without locking (spec.md
// §5's "Configuration... lives in process-wide atomic immutable
// containers").
type Store struct {
	path string
	doc  atomic.Pointer[Document]
}

// Load reads path if it exists, or returns a Store seeded with a
// freshly generated identity if it does not.
func Load(path string) (*Store, error) {
	s := &Store{path: path}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		doc := &Document{
			UUID:          uuid.New().String(),
			ConfigVersion: 1,
		}
		s.doc.Store(doc)
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var doc Document
	if err := toml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	s.doc.Store(&doc)

	return s, nil
}

// Snapshot returns the current immutable Document. Callers must not
// mutate the returned value.
func (s *Store) Snapshot() *Document {
	return s.doc.Load()
}

// AddPairedClient appends client to the paired-client list and
// persists the result atomically.
func (s *Store) AddPairedClient(client *model.PairedClient) error {
	current := s.Snapshot()

	next := &Document{
		UUID:          current.UUID,
		Hostname:      current.Hostname,
		ConfigVersion: current.ConfigVersion,
		SupportHEVC:   current.SupportHEVC,
		SupportAV1:    current.SupportAV1,
		PairedClients: append(append([]PairedClientEntry{}, current.PairedClients...), PairedClientEntry{
			ID:             client.ID,
			ClientCertPEM:  string(pemEncodeCert(client.Cert)),
			AppStateFolder: client.AppStateFolder,
			RunUID:         client.RunUID,
			RunGID:         client.RunGID,
			PairedAt:       client.PairedAt,
		}),
		Apps:         current.Apps,
		DisplayModes: current.DisplayModes,
		GStreamer:    current.GStreamer,
	}

	return s.write(next)
}

// Save implements pairing.ClientStore, persisting a newly paired
// client.
func (s *Store) Save(client *model.PairedClient) error {
	return s.AddPairedClient(client)
}

// FindByCert implements pairing.ClientStore, and is also used directly
// by the mTLS HTTP layer to authenticate a presented client
// certificate (spec.md §6.2).
func (s *Store) FindByCert(cert *x509.Certificate) (*model.PairedClient, bool) {
	doc := s.Snapshot()
	for _, entry := range doc.PairedClients {
		block, _ := pem.Decode([]byte(entry.ClientCertPEM))
		if block == nil {
			continue
		}
		parsed, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			continue
		}
		if bytes.Equal(parsed.Raw, cert.Raw) {
			return &model.PairedClient{
				ID:             entry.ID,
				Cert:           parsed,
				CertPEM:        []byte(entry.ClientCertPEM),
				AppStateFolder: entry.AppStateFolder,
				RunUID:         entry.RunUID,
				RunGID:         entry.RunGID,
				PairedAt:       entry.PairedAt,
			}, true
		}
	}
	return nil, false
}

// FindByUniqueID looks up a paired client by its unique_id (stored as
// the PairedClient.ID at pairing time), used by /serverinfo's
// PairStatus field and by /unpair, which removes the client by the
// fingerprint of the certificate returned here.
func (s *Store) FindByUniqueID(uniqueID string) (*model.PairedClient, bool) {
	doc := s.Snapshot()
	for _, entry := range doc.PairedClients {
		if entry.ID == uniqueID {
			client := &model.PairedClient{
				ID:             entry.ID,
				CertPEM:        []byte(entry.ClientCertPEM),
				AppStateFolder: entry.AppStateFolder,
				RunUID:         entry.RunUID,
				RunGID:         entry.RunGID,
				PairedAt:       entry.PairedAt,
			}
			if block, _ := pem.Decode([]byte(entry.ClientCertPEM)); block != nil {
				if parsed, err := x509.ParseCertificate(block.Bytes); err == nil {
					client.Cert = parsed
				}
			}
			return client, true
		}
	}
	return nil, false
}

// RemovePairedClient drops the entry matching certFingerprint (the
// SHA-256 of the DER-encoded certificate) and persists the result.
func (s *Store) RemovePairedClient(certFingerprint [32]byte) error {
	current := s.Snapshot()

	next := *current
	filtered := make([]PairedClientEntry, 0, len(current.PairedClients))
	for _, entry := range current.PairedClients {
		block, _ := pem.Decode([]byte(entry.ClientCertPEM))
		if block == nil {
			continue
		}
		if sha256.Sum256(block.Bytes) == certFingerprint {
			continue
		}
		filtered = append(filtered, entry)
	}
	next.PairedClients = filtered

	return s.write(&next)
}

func pemEncodeCert(cert *x509.Certificate) []byte {
	if cert == nil {
		return nil
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
}

// write serialises doc to TOML and atomically replaces the config
// file via a temp-file-then-rename, then swaps the in-memory
// snapshot.
func (s *Store) write(doc *Document) error {
	data, err := toml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".config-*.toml")
	if err != nil {
		return fmt.Errorf("config: create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("config: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("config: close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("config: rename temp file: %w", err)
	}

	s.doc.Store(doc)
	return nil
}
