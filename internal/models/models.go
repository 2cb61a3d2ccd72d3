package models

import (
	"time"
)

type Language string

const LangPython Language = "python"

const (
	DefaultCreatedCode = "# New Room Created\nprint('Hello World')"
	DefaultLazyCode    = "# Auto-created Room"

	// MaxSnapshotBytes caps the size of a saved snapshot.
	MaxSnapshotBytes = 1 << 20
)

/*** Room directory ***/

// Room is the durable record of a collaboration room and its latest snapshot.
type Room struct {
	RoomID    string `gorm:"primaryKey;size:64"`
	Code      string `gorm:"type:text;not null;default:''"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

type RoomResponse struct {
	RoomID string `json:"room_id"`
	Code   string `json:"code"`
}

func NewRoomResponse(r *Room) RoomResponse {
	return RoomResponse{RoomID: r.RoomID, Code: r.Code}
}

type SaveRequest struct {
	Code *string `json:"code"`
}

func (r *SaveRequest) Validate() error {
	if r.Code == nil {
		return &ErrorResponse{
			Code:    "missing_code",
			Message: "Code field is required",
		}
	}
	if len(*r.Code) > MaxSnapshotBytes {
		return &ErrorResponse{
			Code:    "snapshot_too_large",
			Message: "Snapshot exceeds the maximum allowed size",
		}
	}
	return nil
}

type SaveResponse struct {
	Status string `json:"status"`
}

/*** Autocomplete ***/

type AutocompleteRequest struct {
	Code           string   `json:"code"`
	CursorPosition int      `json:"cursorPosition"`
	Language       Language `json:"language"`
}

func (r *AutocompleteRequest) Validate() error {
	if r.CursorPosition < 0 {
		return &ErrorResponse{
			Code:    "invalid_cursor",
			Message: "cursorPosition must not be negative",
		}
	}
	return nil
}

type AutocompleteResponse struct {
	Suggestion string `json:"suggestion"`
}

/*** Misc ***/

type HealthResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// ErrorResponse is the JSON error body shared by every endpoint.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ErrorResponse) Error() string { return e.Message }

type ReadinessCheck struct {
	Status  string `json:"status"` // "ok" | "failed"
	Message string `json:"message,omitempty"`
}

type ReadinessResponse struct {
	Status string                    `json:"status"` // "ready" | "not_ready"
	Checks map[string]ReadinessCheck `json:"checks"`
}
