// Package domain contains entities without logic, just meta-data.
package domain

type (
	RoomID string
	PeerID string
)

// Peer is one connected participant. ID is the connection id and is
// unique per live connection.
type Peer struct {
	ID   PeerID `json:"id"`
	Name string `json:"name,omitempty"`
}

// Room is the lookup view of a live room: the id plus its current
// membership snapshot.
type Room struct {
	ID    RoomID `json:"roomId"`
	Peers []Peer `json:"peers"`
}
