// Package store implements the byte-range object store the core reads
// video bytes from. Backends are selected by URL scheme; callers never see
// which backend served a request.
package store

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"hevcframe/internal/apperr"
)

// Backend is a byte-range capable read-only object store.
type Backend interface {
	// FetchAll returns the whole object named by the backend-specific path
	// portion of url.
	FetchAll(ctx context.Context, ref string) ([]byte, error)

	// FetchRange returns exactly end-start bytes from the half-open
	// interval [start, end).
	FetchRange(ctx context.Context, ref string, start, end int64) ([]byte, error)

	// Exists reports whether ref names an object in the backend.
	Exists(ctx context.Context, ref string) (bool, error)
}

// Store dispatches by URL scheme to a registered Backend. A single Store is
// shared by every session; backends must tolerate concurrent calls.
type Store struct {
	backends map[string]Backend
}

// New builds a Store with no backends registered. Use Register to add the
// schemes a deployment needs.
func New() *Store {
	return &Store{backends: make(map[string]Backend)}
}

// Register binds scheme (e.g. "fs", "s3") to backend.
func (s *Store) Register(scheme string, backend Backend) {
	s.backends[scheme] = backend
}

func (s *Store) resolve(videoURL string) (Backend, string, error) {
	u, err := url.Parse(videoURL)
	if err != nil {
		return nil, "", apperr.New("store.resolve", apperr.Io, fmt.Errorf("parse url %q: %w", videoURL, err))
	}
	if u.Scheme == "" {
		return nil, "", apperr.New("store.resolve", apperr.Io, fmt.Errorf("url %q has no scheme", videoURL))
	}
	backend, ok := s.backends[u.Scheme]
	if !ok {
		return nil, "", apperr.New("store.resolve", apperr.Io, fmt.Errorf("unsupported scheme %q", u.Scheme))
	}
	// The remainder after the scheme is opaque to the core; each backend
	// interprets it in its own way (absolute path for fs, bucket/key for s3).
	ref := strings.TrimPrefix(videoURL, u.Scheme+"://")
	return backend, ref, nil
}

func (s *Store) FetchAll(ctx context.Context, videoURL string) ([]byte, error) {
	backend, ref, err := s.resolve(videoURL)
	if err != nil {
		return nil, err
	}
	return backend.FetchAll(ctx, ref)
}

func (s *Store) FetchRange(ctx context.Context, videoURL string, start, end int64) ([]byte, error) {
	if start >= end {
		return nil, apperr.New("store.FetchRange", apperr.Io, fmt.Errorf("invalid range [%d, %d)", start, end))
	}
	backend, ref, err := s.resolve(videoURL)
	if err != nil {
		return nil, err
	}
	return backend.FetchRange(ctx, ref, start, end)
}

func (s *Store) Exists(ctx context.Context, videoURL string) (bool, error) {
	backend, ref, err := s.resolve(videoURL)
	if err != nil {
		return false, err
	}
	return backend.Exists(ctx, ref)
}
