package domain

// Meeting is a scheduled session reachable by an opaque join token.
type Meeting struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Datetime  string `json:"datetime,omitempty"`
	Token     string `json:"token"`
	CreatedAt int64  `json:"createdAt"` // unix milliseconds
}
