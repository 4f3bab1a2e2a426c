package api

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/nhle/helpdesk/internal/model"
)

// NotificationGateway issues the notification pull requests.
type NotificationGateway struct {
	client *Client
}

// NewNotificationGateway creates a NotificationGateway on top of c.
func NewNotificationGateway(c *Client) *NotificationGateway {
	return &NotificationGateway{client: c}
}

// ListNotifications fetches every notification addressed to userID.
func (g *NotificationGateway) ListNotifications(
	ctx context.Context,
	token string,
	userID model.ID,
) ([]model.Notification, error) {
	path := "/api/notificaciones?" + url.Values{"usuarioId": {userID.String()}}.Encode()

	var items []model.Notification
	if err := g.client.do(ctx, http.MethodGet, path, token, nil, &items); err != nil {
		return nil, fmt.Errorf("listing notifications: %w", err)
	}
	return items, nil
}

// MarkNotificationRead marks one notification as read and returns the
// updated record as reported by the server.
func (g *NotificationGateway) MarkNotificationRead(
	ctx context.Context,
	token string,
	id model.ID,
) (*model.Notification, error) {
	path := "/api/notificaciones/" + url.PathEscape(id.String()) + "/leida"

	var updated model.Notification
	if err := g.client.do(ctx, http.MethodPut, path, token, nil, &updated); err != nil {
		return nil, fmt.Errorf("marking notification %s read: %w", id, err)
	}
	return &updated, nil
}
