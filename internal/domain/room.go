package domain

import "time"

// CanvasSize is the fixed drawing-surface geometry of a room.
type CanvasSize struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// RoomSpec is the validated description a room is built from. It is
// immutable once a room has been constructed from it.
type RoomSpec struct {
	Name            string
	MaxLoad         int
	WelcomeMsg      string
	Password        string
	EmptyClose      bool
	CanvasSize      CanvasSize
	ExpirationHours int
	Permanent       bool
}

// DefaultExpirationHours is how long a non-permanent room lives before
// closing itself.
const DefaultExpirationHours = 48

// Private reports whether joining the room requires a password.
func (s RoomSpec) Private() bool {
	return s.Password != ""
}

// RoomInfo is the replicated, cluster-wide-visible summary of a room.
// It is the only room state sibling workers ever see; everything else
// stays with the owning process.
type RoomInfo struct {
	Name        string `json:"name"`
	Port        int    `json:"port"`
	MaxLoad     int    `json:"maxLoad"`
	CurrentLoad int    `json:"currentLoad"`
	Private     bool   `json:"private"`
	// Timestamp is the last refresh instant in milliseconds since epoch.
	// Entries whose timestamp falls behind by more than twice the refresh
	// cycle are provisionally evicted.
	Timestamp int64 `json:"timestamp"`
}

// RoomDocument is the durable form of a room. It is upserted when the room
// is created, updated on checkout and archive-sign rotation, deleted when
// the room is destroyed, and queried by LocalID at startup to recover rooms
// previously owned by this manager instance.
type RoomDocument struct {
	ID                uint   `gorm:"primaryKey"`
	Name              string `gorm:"uniqueIndex;size:191;not null"`
	MaxLoad           int
	WelcomeMsg        string `gorm:"size:40"`
	Password          string `gorm:"size:16"`
	EmptyClose        bool
	CanvasWidth       int
	CanvasHeight      int
	ExpirationHours   int
	Permanent         bool
	Key               string `gorm:"size:64"`
	CheckoutTimestamp int64
	Archive           []byte `gorm:"type:longblob"`
	ArchiveSign       string `gorm:"size:64"`
	Port              int
	LocalID           int       `gorm:"index"`
	CreatedAt         time.Time `gorm:"autoCreateTime"`
	UpdatedAt         time.Time `gorm:"autoUpdateTime"`
}

// TableName keeps the table name stable regardless of struct naming.
func (RoomDocument) TableName() string {
	return "rooms"
}

// Spec rebuilds the immutable RoomSpec a recovered room runs with.
func (d RoomDocument) Spec() RoomSpec {
	return RoomSpec{
		Name:            d.Name,
		MaxLoad:         d.MaxLoad,
		WelcomeMsg:      d.WelcomeMsg,
		Password:        d.Password,
		EmptyClose:      d.EmptyClose,
		CanvasSize:      CanvasSize{Width: d.CanvasWidth, Height: d.CanvasHeight},
		ExpirationHours: d.ExpirationHours,
		Permanent:       d.Permanent,
	}
}
