// Package push owns the server-push transport: a WebSocket connection per
// subscription that decodes notification frames and reconnects on its own
// after transient failures.
package push

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/nhle/helpdesk/internal/model"
)

// maxFrameSize bounds a single push frame.
const maxFrameSize = 64 << 10

// handshakeTimeout bounds the WebSocket upgrade.
const handshakeTimeout = 15 * time.Second

// ErrUnauthorized ends a subscription whose token the push endpoint
// rejects; reconnecting with the same token cannot succeed.
var ErrUnauthorized = errors.New("push endpoint rejected the token")

// Channel opens push subscriptions against a WebSocket endpoint.
type Channel struct {
	endpoint         string
	reconnectInitial time.Duration
	reconnectMax     time.Duration
	dialer           *websocket.Dialer
	log              zerolog.Logger
}

// NewChannel creates a Channel from cfg.
func NewChannel(cfg model.PushConfig, logger zerolog.Logger) *Channel {
	initial := cfg.ReconnectInitial()
	if initial <= 0 {
		initial = 500 * time.Millisecond
	}
	maxDelay := cfg.ReconnectMax()
	if maxDelay < initial {
		maxDelay = 30 * time.Second
	}

	return &Channel{
		endpoint:         cfg.URL,
		reconnectInitial: initial,
		reconnectMax:     maxDelay,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
		},
		log: logger.With().Str("component", "push").Logger(),
	}
}

// Open starts a subscription for userID and returns immediately; the
// connection is established in the background and re-established after
// every drop until the subscription is closed. Events reach h in the
// order the server sent them.
func (c *Channel) Open(userID model.ID, token string, h Handler) (*Subscription, error) {
	endpoint, err := c.endpointFor(userID)
	if err != nil {
		return nil, err
	}

	sub := NewSubscription(userID, h)
	ctx, cancel := context.WithCancel(context.Background())
	sub.attach(cancel)

	go c.run(ctx, sub, endpoint, token)

	c.log.Debug().
		Str("subscription", sub.ID()).
		Str("user_id", userID.String()).
		Msg("push subscription opened")
	return sub, nil
}

// Close stops sub. It does not wait for the connection to wind down.
func (c *Channel) Close(sub *Subscription) {
	if sub == nil {
		return
	}
	sub.Close()
	c.log.Debug().
		Str("subscription", sub.ID()).
		Str("user_id", sub.UserID().String()).
		Msg("push subscription closed")
}

// endpointFor appends the routing key to the configured URL.
func (c *Channel) endpointFor(userID model.ID) (string, error) {
	u, err := url.Parse(c.endpoint)
	if err != nil {
		return "", fmt.Errorf("parsing push url %q: %w", c.endpoint, err)
	}
	q := u.Query()
	q.Set("usuarioId", userID.String())
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// run keeps the subscription connected until ctx is cancelled.
func (c *Channel) run(ctx context.Context, sub *Subscription, endpoint, token string) {
	var exitErr error
	defer func() { sub.Finish(exitErr) }()

	log := c.log.With().
		Str("subscription", sub.ID()).
		Str("user_id", sub.UserID().String()).
		Logger()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.reconnectInitial
	bo.MaxInterval = c.reconnectMax
	bo.MaxElapsedTime = 0

	for {
		connected, err := c.stream(ctx, sub, endpoint, token, log)
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, ErrUnauthorized) {
			log.Warn().Err(err).Msg("push channel stopped")
			exitErr = err
			return
		}
		if connected {
			bo.Reset()
		}

		wait := bo.NextBackOff()
		log.Warn().Err(err).Dur("retry_in", wait).Msg("push channel disconnected")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// stream dials once and pumps frames until the connection fails. It
// reports whether the handshake succeeded.
func (c *Channel) stream(
	ctx context.Context,
	sub *Subscription,
	endpoint string,
	token string,
	log zerolog.Logger,
) (bool, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, resp, err := c.dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return false, ErrUnauthorized
		}
		return false, fmt.Errorf("dialing push channel: %w", err)
	}
	defer conn.Close()

	log.Info().Msg("push channel connected")

	// ReadMessage does not observe ctx; closing the connection unblocks it.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	conn.SetReadLimit(maxFrameSize)
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return true, fmt.Errorf("reading push channel: %w", err)
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}

		ev, err := model.ParsePushEvent(data)
		if err != nil {
			log.Debug().Err(err).Int("bytes", len(data)).Msg("dropping malformed push frame")
			continue
		}
		deliver(sub, ev, log)
	}
}

// deliver shields the read loop from a panicking handler.
func deliver(sub *Subscription, ev model.PushEvent, log zerolog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("notification_id", ev.Notification.ID.String()).
				Msg("push handler panicked")
		}
	}()
	sub.Deliver(ev)
}
