package store

import (
	"encoding/json"
	"time"
)

// ObjectType is the closed set of shapes a canvas can hold.
type ObjectType string

const (
	ObjectRectangle ObjectType = "rectangle"
	ObjectCircle    ObjectType = "circle"
	ObjectText      ObjectType = "text"
)

type Canvas struct {
	ID        string
	Name      string
	CreatedBy string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Object is one shape on a canvas. Geometry is stored in the user-facing
// centered coordinate space; conversion to render space happens in geom.
type Object struct {
	ID             string          `json:"id"`
	CanvasID       string          `json:"canvasId"`
	Type           ObjectType      `json:"type"`
	X              float64         `json:"x"`
	Y              float64         `json:"y"`
	Width          float64         `json:"width"`
	Height         float64         `json:"height"`
	Rotation       float64         `json:"rotation"`
	Fill           string          `json:"fill"`
	Stroke         string          `json:"stroke"`
	Opacity        float64         `json:"opacity"`
	TypeProperties json.RawMessage `json:"typeProperties,omitempty"`
	ZIndex         int             `json:"zIndex"`
	LockedBy       *string         `json:"lockedBy,omitempty"`
	LockAcquiredAt *time.Time      `json:"lockAcquiredAt,omitempty"`
	CreatedBy      string          `json:"createdBy"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// MutableBy reports whether a session may edit this object: the lock is
// free, held by the session itself, or stale past the timeout.
func (o Object) MutableBy(sessionID string, lockTimeout time.Duration, now time.Time) bool {
	if o.LockedBy == nil || *o.LockedBy == sessionID {
		return true
	}
	if o.LockAcquiredAt == nil {
		return true
	}
	return now.Sub(*o.LockAcquiredAt) > lockTimeout
}

// TextContent extracts the text payload of a text object, empty for other
// types or malformed properties.
func (o Object) TextContent() string {
	if o.Type != ObjectText || len(o.TypeProperties) == 0 {
		return ""
	}
	var props struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(o.TypeProperties, &props); err != nil {
		return ""
	}
	return props.Text
}

// ShareLink is a tokened read-only entry point to one canvas, optionally
// password protected.
type ShareLink struct {
	ID             string
	Token          string
	CanvasID       string
	CreatedBy      string
	PasswordHash   *string
	ExpiresAt      *time.Time
	AccessCount    int
	LastAccessedAt *time.Time
	CreatedAt      time.Time
	RevokedAt      *time.Time
}
