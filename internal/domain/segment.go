package domain

// Segment is one unit of transcribed text. Partial segments are superseded
// by later segments for the same speaker but never mutated or deleted.
type Segment struct {
	Speaker     PeerID `json:"speaker"`
	SpeakerName string `json:"speakerName,omitempty"`
	Text        string `json:"text"`
	Timestamp   int64  `json:"timestamp"` // unix milliseconds
	Partial     bool   `json:"partial"`
}
