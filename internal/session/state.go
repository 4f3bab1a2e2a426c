package session

import "github.com/nhle/helpdesk/internal/model"

// State is the authentication state of the running client.
type State int

const (
	StateAnonymous State = iota
	StateAuthenticating
	StateAuthenticated
	// StateInvalid is transient: the credential was rejected and the
	// manager is tearing the session down on its way back to Anonymous.
	StateInvalid
)

func (s State) String() string {
	switch s {
	case StateAnonymous:
		return "anonymous"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StateInvalid:
		return "invalid"
	}
	return "unknown"
}

// Snapshot is a read-only copy of the session.
type Snapshot struct {
	State State
	Token string
	User  *model.UserProfile

	// Generation changes every time the session is torn down. Work that
	// started under one generation must not apply its result under another.
	Generation uint64
}

// IsAuthenticated reports whether a user and token are both held.
func (s Snapshot) IsAuthenticated() bool {
	return s.State == StateAuthenticated && s.Token != "" && s.User != nil
}

// UserID returns the current user's id, or "" when anonymous.
func (s Snapshot) UserID() model.ID {
	if s.User == nil {
		return ""
	}
	return s.User.ID
}
