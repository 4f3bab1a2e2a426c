package api

import (
	"errors"
	"fmt"
)

// ErrCircuitOpen is returned when recent failures have tripped the
// client's circuit breaker and the request was not sent.
var ErrCircuitOpen = errors.New("api unavailable: circuit breaker is open")

// AuthError indicates that the token was rejected (HTTP 401). The session
// holding it is no longer valid.
type AuthError struct {
	Message string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth error: %s", e.Message)
}

// IsAuthError reports whether err (or any error in its chain) is an AuthError.
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// CredentialError is a rejected login. Message is the server's text,
// unchanged, so it can be shown to the user as is.
type CredentialError struct {
	Message string
}

func (e *CredentialError) Error() string {
	return e.Message
}

// IsCredentialError reports whether err (or any error in its chain) is a
// CredentialError.
func IsCredentialError(err error) bool {
	var credErr *CredentialError
	return errors.As(err, &credErr)
}

// Error is a non-2xx response other than 401.
type Error struct {
	StatusCode int
	Method     string
	Path       string
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("api error (%d) on %s %s: %s", e.StatusCode, e.Method, e.Path, e.Message)
}

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	if IsAuthError(err) {
		return 401
	}
	return 0
}

// serverError marks 5xx responses so they count against the breaker.
type serverError struct {
	statusCode int
}

func (e *serverError) Error() string {
	return fmt.Sprintf("server error (%d)", e.statusCode)
}

// errorBody covers the error shapes the API produces:
// {"message": ...}, {"error": ...}, {"mensaje": ...} and
// {"errors": [{"message": ...}]}.
type errorBody struct {
	Message string `json:"message"`
	Error   string `json:"error"`
	Mensaje string `json:"mensaje"`
	Errors  []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// text returns the first non-empty message.
func (b errorBody) text() string {
	for _, e := range b.Errors {
		if e.Message != "" {
			return e.Message
		}
	}
	switch {
	case b.Message != "":
		return b.Message
	case b.Error != "":
		return b.Error
	case b.Mensaje != "":
		return b.Mensaje
	}
	return ""
}
