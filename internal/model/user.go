package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// ID is a record identifier. The API emits ids either as JSON numbers or
// as strings; both decode to the same value.
type ID string

// UnmarshalJSON accepts numeric and string identifiers.
func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("decoding id: %w", err)
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("decoding id: %w", err)
	}
	*id = ID(n.String())
	return nil
}

// MarshalJSON writes integer identifiers as numbers so records round-trip
// in the shape the API produced.
func (id ID) MarshalJSON() ([]byte, error) {
	if _, err := strconv.ParseInt(string(id), 10, 64); err == nil {
		return []byte(id), nil
	}
	return json.Marshal(string(id))
}

// String returns the identifier as used in query strings.
func (id ID) String() string {
	return string(id)
}

// UserProfile is the authenticated user as returned by the API. Only the
// fields the client acts on are decoded; Raw keeps the full record so the
// cached profile can be persisted without losing anything.
type UserProfile struct {
	// ID is the routing key for push notifications.
	ID ID `json:"id"`

	Name     string `json:"nombre,omitempty"`
	LastName string `json:"apellido,omitempty"`
	Email    string `json:"correo,omitempty"`

	// Type is the account kind ("interno", "cliente", ...). Some routes
	// are restricted to a single type.
	Type string `json:"tipo,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// ParseUserProfile decodes a user record and keeps the raw bytes.
func ParseUserProfile(data []byte) (*UserProfile, error) {
	var u UserProfile
	if err := json.Unmarshal(data, &u); err != nil {
		return nil, fmt.Errorf("parsing user profile: %w", err)
	}
	if u.ID == "" {
		return nil, fmt.Errorf("parsing user profile: missing id")
	}
	u.Raw = append(json.RawMessage(nil), data...)
	return &u, nil
}

// Encode returns the serialized profile, preferring the bytes the API sent.
func (u *UserProfile) Encode() (string, error) {
	if len(u.Raw) > 0 {
		return string(u.Raw), nil
	}
	data, err := json.Marshal(u)
	if err != nil {
		return "", fmt.Errorf("encoding user profile: %w", err)
	}
	return string(data), nil
}

// DisplayName is the label shown in the status bar.
func (u *UserProfile) DisplayName() string {
	switch {
	case u.Name != "" && u.LastName != "":
		return u.Name + " " + u.LastName
	case u.Name != "":
		return u.Name
	case u.Email != "":
		return u.Email
	}
	return "user " + string(u.ID)
}

// Credentials is the login form payload. The field names follow the API.
type Credentials struct {
	Email    string `json:"correo"`
	Password string `json:"password"`
}

// PersistedSession is the durable pair kept by the credential store.
// Token and User are always written and cleared together.
type PersistedSession struct {
	// Token is the raw access token.
	Token string

	// User is the serialized UserProfile, empty when not yet fetched.
	User string
}

// Empty reports whether nothing is persisted.
func (p PersistedSession) Empty() bool {
	return p.Token == "" && p.User == ""
}
