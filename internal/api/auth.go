package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/nhle/helpdesk/internal/model"
)

// LoginResult is a successful credential exchange.
type LoginResult struct {
	Token string
	User  *model.UserProfile
}

// AuthGateway issues the two authentication calls: credential exchange
// and profile fetch.
type AuthGateway struct {
	client *Client
}

// NewAuthGateway creates an AuthGateway on top of c.
func NewAuthGateway(c *Client) *AuthGateway {
	return &AuthGateway{client: c}
}

type loginResponse struct {
	errorBody
	Token json.RawMessage `json:"token"`
	User  json.RawMessage `json:"user"`
}

// Login exchanges credentials for a token. A rejected login, whether it
// comes back as {"errors": [...]} or as a non-2xx status, returns a
// *CredentialError carrying the server's message.
func (g *AuthGateway) Login(ctx context.Context, creds model.Credentials) (*LoginResult, error) {
	resp, err := g.client.send(ctx, http.MethodPost, "/login", "", creds)
	if err != nil {
		return nil, fmt.Errorf("logging in: %w", err)
	}

	var body loginResponse
	decodeErr := json.Unmarshal(resp.body, &body)

	if resp.status < 200 || resp.status >= 300 || (decodeErr == nil && len(body.Errors) > 0) {
		msg := ""
		if decodeErr == nil {
			msg = body.text()
		}
		if msg == "" {
			msg = "authentication failed"
		}
		return nil, &CredentialError{Message: msg}
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("decoding login response: %w", decodeErr)
	}

	token, err := decodeToken(body.Token)
	if err != nil {
		return nil, err
	}
	if len(body.User) == 0 || bytes.Equal(body.User, []byte("null")) {
		return nil, fmt.Errorf("decoding login response: missing user")
	}
	user, err := model.ParseUserProfile(body.User)
	if err != nil {
		return nil, fmt.Errorf("decoding login response: %w", err)
	}

	return &LoginResult{Token: token, User: user}, nil
}

// decodeToken accepts a bare token string or the {"token": "..."} object
// some auth providers return.
func decodeToken(raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil && s != "" {
		return s, nil
	}
	var obj struct {
		Token string `json:"token"`
		Value string `json:"value"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		if obj.Token != "" {
			return obj.Token, nil
		}
		if obj.Value != "" {
			return obj.Value, nil
		}
	}
	return "", fmt.Errorf("decoding login response: missing token")
}

// Me fetches the profile of the token's owner. A 401, or a response that
// carries no user, returns *AuthError.
func (g *AuthGateway) Me(ctx context.Context, token string) (*model.UserProfile, error) {
	var body struct {
		User json.RawMessage `json:"user"`
		ID   json.RawMessage `json:"id"`
	}
	var raw json.RawMessage
	if err := g.client.do(ctx, http.MethodGet, "/api/me", token, nil, &raw); err != nil {
		return nil, fmt.Errorf("fetching profile: %w", err)
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("decoding profile: %w", err)
	}

	data := body.User
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		// Some deployments return the profile unwrapped.
		if len(body.ID) == 0 {
			return nil, &AuthError{Message: "no user in profile response"}
		}
		data = raw
	}

	user, err := model.ParseUserProfile(data)
	if err != nil {
		return nil, fmt.Errorf("decoding profile: %w", err)
	}
	return user, nil
}
