package app

import (
	"context"
	"errors"

	"github.com/nhle/helpdesk/internal/api"
	"github.com/nhle/helpdesk/internal/session"
)

// errorText turns an operation error into a line for the user. Rejected
// logins show the server's message verbatim.
func errorText(err error) string {
	var credErr *api.CredentialError
	switch {
	case errors.As(err, &credErr):
		return credErr.Message
	case api.IsAuthError(err):
		return "Your session has expired. Please sign in again."
	case errors.Is(err, session.ErrNotAuthenticated):
		return "Not signed in."
	case errors.Is(err, session.ErrSuperseded):
		return "Sign-in was cancelled."
	case errors.Is(err, api.ErrCircuitOpen):
		return "Server unavailable, try again shortly."
	case errors.Is(err, context.DeadlineExceeded):
		return "The server took too long to respond."
	default:
		return err.Error()
	}
}
