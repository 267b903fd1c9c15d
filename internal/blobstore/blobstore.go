// Package blobstore implements the process-wide blob: URL table backing
// URL.createObjectURL/revokeObjectURL and the blob: fetch dispatch path
// Conceptually a process-global map protected by the single-threaded
// model; this reimplementation still guards it
// with a mutex since Go, unlike the real single-threaded component, runs
// host I/O on background goroutines that must never race the map.
package blobstore

import (
	"fmt"
	"sync"

	"github.com/bytecodealliance/starling-go/internal/hostapi"
)

// Blob is the minimal shape the store needs: bytes and a MIME type. A
// File additionally carries a name; internal/globals' File wrapper
// embeds Blob and sets Name.
type Blob struct {
	Bytes []byte
	Type  string
	Name  string // empty for a plain Blob, set for a File
}

// Store is the process-wide blob: URL table.
type Store struct {
	random hostapi.Random

	mu      sync.Mutex
	entries map[string]Blob
}

// New constructs an empty Store. random supplies the UUID bytes behind
// each generated URL.
func New(random hostapi.Random) *Store {
	return &Store{random: random, entries: make(map[string]Blob)}
}

// origin is a fixed placeholder authority for generated blob URLs; the
// real WASI component has no notion of a page origin, so the core uses a
// single synthetic one for every blob it mints.
const origin = "https://starling.invalid"

// CreateObjectURL mints a fresh `blob:<origin>/<uuid>` URL for b and
// registers it, mirroring URL.createObjectURL.
func (s *Store) CreateObjectURL(b Blob) (string, error) {
	raw, err := s.random.Bytes(16)
	if err != nil {
		return "", fmt.Errorf("blobstore: generate uuid: %w", err)
	}
	raw[6] = (raw[6] & 0x0f) | 0x40
	raw[8] = (raw[8] & 0x3f) | 0x80
	id := fmt.Sprintf("%x-%x-%x-%x-%x", raw[0:4], raw[4:6], raw[6:8], raw[8:10], raw[10:16])

	url := fmt.Sprintf("blob:%s/%s", origin, id)
	s.mu.Lock()
	s.entries[url] = b
	s.mu.Unlock()
	return url, nil
}

// RevokeObjectURL removes url from the store, mirroring
// URL.revokeObjectURL. Revoking an unknown or already-revoked URL is a
// no-op.
func (s *Store) RevokeObjectURL(url string) {
	s.mu.Lock()
	delete(s.entries, url)
	s.mu.Unlock()
}

// Lookup returns the Blob registered for url, if any.
func (s *Store) Lookup(url string) (Blob, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.entries[url]
	return b, ok
}
