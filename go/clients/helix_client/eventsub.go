package helix_client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// ErrSubscriptionExists is returned when the same type and condition is
// already subscribed for the transport.
var ErrSubscriptionExists = errors.New("subscription already exists")

type Transport struct {
	Method    string `json:"method"`
	SessionID string `json:"session_id"`
}

type CreateSubscriptionRequest struct {
	Type      string            `json:"type"`
	Version   string            `json:"version"`
	Condition map[string]string `json:"condition"`
	Transport Transport         `json:"transport"`
}

type Subscription struct {
	ID        string            `json:"id"`
	Status    string            `json:"status"`
	Type      string            `json:"type"`
	Version   string            `json:"version"`
	Condition map[string]string `json:"condition"`
}

type SubscriptionsResponse struct {
	Data []Subscription `json:"data"`
}

// CreateEventSubSubscription registers one subscription against a websocket session.
func (c *HelixClient) CreateEventSubSubscription(ctx context.Context, clientID, token string, req CreateSubscriptionRequest) (*Subscription, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal subscription: %w", err)
	}

	body, err := c.api.Post(ctx, EventSubSubscriptionsEndpoint, bearerHeaders(clientID, token), bytes.NewReader(payload))
	if err != nil {
		if statusCode(err) == http.StatusConflict {
			return nil, ErrSubscriptionExists
		}
		return nil, fmt.Errorf("failed to subscribe to %s: %w", req.Type, err)
	}

	var response SubscriptionsResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w, raw response: %s", err, string(body))
	}
	if len(response.Data) == 0 {
		return nil, fmt.Errorf("subscription response for %s was empty", req.Type)
	}
	return &response.Data[0], nil
}
