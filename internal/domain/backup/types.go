// Package backup holds the BackupSlot domain types.
package backup

import (
	"time"

	"github.com/google/uuid"
)

// State is a backup slot's position in its upload state machine.
type State int

const (
	StateActive State = iota
	StateUploading
)

func (s State) String() string {
	if s == StateUploading {
		return "UPLOADING"
	}
	return "ACTIVE"
}

// ParseState maps the stored string form back to a State.
func ParseState(s string) (State, bool) {
	switch s {
	case "ACTIVE":
		return StateActive, true
	case "UPLOADING":
		return StateUploading, true
	default:
		return StateActive, false
	}
}

// Backup is a per-user upload slot.
type Backup struct {
	UserID         uuid.UUID
	CurrentVersion int32
	PendingVersion *int32
	State          State
	UpdatedAt      time.Time
	PendingAt      *time.Time
}
