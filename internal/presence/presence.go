// Package presence broadcasts ephemeral liveness and cursor positions per
// canvas over two throttled Redis pub/sub channels. Nothing here is
// persisted; consumers expire whatever stops updating.
package presence

import "time"

// Entry is one connected session's liveness record.
type Entry struct {
	UserID       string    `json:"userId"`
	DisplayName  string    `json:"displayName"`
	Color        string    `json:"color"`
	LastActivity time.Time `json:"lastActivity"`
	IsIdle       bool      `json:"isIdle"`
}

// Cursor is an ephemeral pointer broadcast. Consumers treat a cursor that
// stops updating as departed, no explicit leave required.
type Cursor struct {
	UserID      string    `json:"userId"`
	X           float64   `json:"x"`
	Y           float64   `json:"y"`
	Color       string    `json:"color"`
	DisplayName string    `json:"displayName"`
	Timestamp   time.Time `json:"timestamp"`
}

type messageKind string

const (
	kindJoin  messageKind = "join"
	kindPing  messageKind = "ping"
	kindLeave messageKind = "leave"
)

type message struct {
	Kind  messageKind `json:"kind"`
	Entry Entry       `json:"entry"`
}

func PresenceChannel(canvasID string) string {
	return "presence-" + canvasID
}

func CursorChannel(canvasID string) string {
	return "cursors-" + canvasID
}
