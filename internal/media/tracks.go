// Package media tracks ownership of live capture resources. Hardware tracks
// are scoped acquisitions, not garbage-collected handles: whichever component
// acquires a track holds it exclusively until the set releases it.
package media

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

type TrackKind string

const (
	TrackMicrophone  TrackKind = "microphone"
	TrackWebcam      TrackKind = "webcam"
	TrackDrawSurface TrackKind = "drawing_surface"
)

var (
	ErrTrackHeld    = errors.New("track kind already held")
	ErrTrackNotHeld = errors.New("track kind not held")
	ErrSetReleased  = errors.New("track set already released")
)

// Track is one live capture resource held by the session.
type Track struct {
	ID     string
	Kind   TrackKind
	Label  string
	closer io.Closer
}

// TrackSet owns the session's live tracks. ReleaseAll must run on session
// end; dropping the set without it leaks device handles.
type TrackSet struct {
	log *slog.Logger

	mu       sync.Mutex
	tracks   map[TrackKind]*Track
	released bool
}

func NewTrackSet(log *slog.Logger) *TrackSet {
	if log == nil {
		log = slog.Default()
	}
	return &TrackSet{
		log:    log.With("component", "media"),
		tracks: make(map[TrackKind]*Track),
	}
}

// Acquire registers a resource under a kind. Each kind is held at most once;
// a second acquisition fails rather than silently replacing the first.
func (s *TrackSet) Acquire(kind TrackKind, label string, closer io.Closer) (*Track, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.released {
		return nil, ErrSetReleased
	}
	if _, held := s.tracks[kind]; held {
		return nil, fmt.Errorf("%w: %s", ErrTrackHeld, kind)
	}

	t := &Track{
		ID:     uuid.New().String(),
		Kind:   kind,
		Label:  label,
		closer: closer,
	}
	s.tracks[kind] = t
	s.log.Info("track acquired", "kind", kind, "label", label, "track_id", t.ID)
	return t, nil
}

// Held reports whether a track of the given kind is currently owned.
func (s *TrackSet) Held(kind TrackKind) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, held := s.tracks[kind]
	return held
}

// Release closes and drops a single track.
func (s *TrackSet) Release(kind TrackKind) error {
	s.mu.Lock()
	t, held := s.tracks[kind]
	if held {
		delete(s.tracks, kind)
	}
	s.mu.Unlock()

	if !held {
		return fmt.Errorf("%w: %s", ErrTrackNotHeld, kind)
	}
	return s.closeTrack(t)
}

// ReleaseAll closes every held track and seals the set against further
// acquisitions. Close failures are collected, not short-circuited, so one
// stuck device cannot keep the others open.
func (s *TrackSet) ReleaseAll() error {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return nil
	}
	s.released = true
	tracks := make([]*Track, 0, len(s.tracks))
	for _, t := range s.tracks {
		tracks = append(tracks, t)
	}
	s.tracks = make(map[TrackKind]*Track)
	s.mu.Unlock()

	var errs []error
	for _, t := range tracks {
		if err := s.closeTrack(t); err != nil {
			errs = append(errs, err)
		}
	}
	s.log.Info("track set released", "count", len(tracks))
	return errors.Join(errs...)
}

func (s *TrackSet) closeTrack(t *Track) error {
	if t.closer == nil {
		return nil
	}
	if err := t.closer.Close(); err != nil {
		s.log.Error("track close failed", "kind", t.Kind, "track_id", t.ID, "error", err)
		return fmt.Errorf("close %s track: %w", t.Kind, err)
	}
	s.log.Info("track released", "kind", t.Kind, "track_id", t.ID)
	return nil
}
