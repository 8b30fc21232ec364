package core

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"meetsrv/internal/domain"
)

// Transcript is the exported JSON shape of one room's transcript.
type Transcript struct {
	RoomID   domain.RoomID    `json:"roomId"`
	Segments []domain.Segment `json:"segments"`
}

// TranscriptStore keeps an append-only ordered sequence of segments per
// room. Segments are never mutated or deleted; finals do not replace the
// partials that preceded them.
type TranscriptStore struct {
	mu       sync.RWMutex
	segments map[domain.RoomID][]domain.Segment
}

func NewTranscriptStore() *TranscriptStore {
	return &TranscriptStore{segments: make(map[domain.RoomID][]domain.Segment)}
}

func (s *TranscriptStore) Append(roomID domain.RoomID, seg domain.Segment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.segments[roomID] = append(s.segments[roomID], seg)
}

// Segments returns a copy; the empty slice for unknown rooms.
func (s *TranscriptStore) Segments(roomID domain.RoomID) []domain.Segment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src := s.segments[roomID]
	out := make([]domain.Segment, len(src))
	copy(out, src)
	return out
}

// ExportJSON marshals the room transcript. Unmarshalling the result yields
// the same ordered sequence of segments.
func (s *TranscriptStore) ExportJSON(roomID domain.RoomID) ([]byte, error) {
	t := Transcript{RoomID: roomID, Segments: s.Segments(roomID)}
	return json.Marshal(t)
}

// ExportText renders "[15:04:05] name: text" lines.
func (s *TranscriptStore) ExportText(roomID domain.RoomID) string {
	segs := s.Segments(roomID)
	lines := make([]string, 0, len(segs))
	for _, seg := range segs {
		name := seg.SpeakerName
		if name == "" {
			name = string(seg.Speaker)
		}
		ts := time.UnixMilli(seg.Timestamp).Format("15:04:05")
		lines = append(lines, fmt.Sprintf("[%s] %s: %s", ts, name, seg.Text))
	}
	return strings.Join(lines, "\n")
}
