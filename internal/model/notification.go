package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Notification represents an alert surfaced to the user about activity on
// a ticket.
type Notification struct {
	// ID is the unique identifier for this notification.
	ID ID `json:"id"`

	// UserID is the recipient.
	UserID ID `json:"userId,omitempty"`

	// Title is the short headline.
	Title string `json:"title"`

	// Message is the human-readable notification text.
	Message string `json:"message"`

	// TicketID links this notification to the originating ticket.
	TicketID ID `json:"ticketId,omitempty"`

	// Read indicates whether the user has seen this notification.
	Read bool `json:"read"`

	// CreatedAt is when this notification was generated. Zero for
	// records that arrived over the push channel without a timestamp.
	CreatedAt time.Time `json:"createdAt"`
}

// wireNotification accepts both the API's column names and the camel-case
// names used by the push channel.
type wireNotification struct {
	ID ID `json:"id"`

	UserID    *ID `json:"userId"`
	UsuarioID *ID `json:"usuario_id"`

	Title  *string `json:"title"`
	Titulo *string `json:"titulo"`

	Message *string `json:"message"`
	Mensaje *string `json:"mensaje"`

	TicketID      *ID `json:"ticketId"`
	TicketIDSnake *ID `json:"ticket_id"`

	Read  *bool `json:"read"`
	Leida *bool `json:"leida"`

	CreatedAt      *string `json:"createdAt"`
	CreatedAtSnake *string `json:"created_at"`
}

// UnmarshalJSON decodes a record from either key convention.
func (n *Notification) UnmarshalJSON(data []byte) error {
	var w wireNotification
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	*n = Notification{
		ID:        w.ID,
		UserID:    pick(w.UserID, w.UsuarioID),
		Title:     pick(w.Title, w.Titulo),
		Message:   pick(w.Message, w.Mensaje),
		TicketID:  pick(w.TicketID, w.TicketIDSnake),
		Read:      pick(w.Read, w.Leida),
		CreatedAt: parseTimestamp(pick(w.CreatedAt, w.CreatedAtSnake)),
	}
	return nil
}

func pick[T any](first, second *T) T {
	if first != nil {
		return *first
	}
	if second != nil {
		return *second
	}
	var zero T
	return zero
}

// timestampLayouts are the formats the API has been seen to emit.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
}

// parseTimestamp returns the zero time for values it cannot read; a bad
// timestamp is not worth dropping the record over.
func parseTimestamp(s string) time.Time {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

// PushEvent is a notification delivered over the push channel.
type PushEvent struct {
	// UserID is the routing key.
	UserID ID

	Notification Notification
}

// ParsePushEvent decodes a push frame. Frames without a routing key or an
// id are rejected.
func ParsePushEvent(data []byte) (PushEvent, error) {
	var n Notification
	if err := json.Unmarshal(data, &n); err != nil {
		return PushEvent{}, fmt.Errorf("parsing push event: %w", err)
	}
	if n.UserID == "" {
		return PushEvent{}, fmt.Errorf("parsing push event: missing userId")
	}
	if n.ID == "" {
		return PushEvent{}, fmt.Errorf("parsing push event: missing id")
	}

	// Push deliveries are always new, regardless of what the frame says.
	n.Read = false
	return PushEvent{UserID: n.UserID, Notification: n}, nil
}

// CountUnread returns the number of unread records.
func CountUnread(items []Notification) int {
	count := 0
	for _, n := range items {
		if !n.Read {
			count++
		}
	}
	return count
}
