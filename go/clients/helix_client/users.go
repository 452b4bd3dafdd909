package helix_client

import (
	"context"
	"encoding/json"
	"fmt"
)

type User struct {
	ID              string `json:"id"`
	Login           string `json:"login"`
	DisplayName     string `json:"display_name"`
	ProfileImageURL string `json:"profile_image_url"`
}

type UsersResponse struct {
	Data []User `json:"data"`
}

// TokenValidation is the body returned by the validate endpoint.
type TokenValidation struct {
	ClientID  string   `json:"client_id"`
	Login     string   `json:"login"`
	Scopes    []string `json:"scopes"`
	UserID    string   `json:"user_id"`
	ExpiresIn int64    `json:"expires_in"`
}

// GetAuthenticatedUser returns the user the token belongs to.
func (c *HelixClient) GetAuthenticatedUser(ctx context.Context, clientID, token string) (*User, error) {
	body, err := c.api.Get(ctx, UsersEndpoint, bearerHeaders(clientID, token))
	if err != nil {
		return nil, fmt.Errorf("failed to get users: %w", err)
	}

	var response UsersResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w, raw response: %s", err, string(body))
	}
	if len(response.Data) == 0 {
		return nil, fmt.Errorf("users response contained no user")
	}

	return &response.Data[0], nil
}

// ValidateToken checks a token against the identity service. A 401 is
// reported as (nil, nil) so callers can tell "invalid" from "unreachable".
func (c *HelixClient) ValidateToken(ctx context.Context, token string) (*TokenValidation, error) {
	body, err := c.id.Get(ctx, ValidateEndpoint, map[string]string{
		AuthorizationHeader: "OAuth " + token,
	})
	if err != nil {
		if statusCode(err) == 401 {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to validate token: %w", err)
	}

	var validation TokenValidation
	if err := json.Unmarshal(body, &validation); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w, raw response: %s", err, string(body))
	}
	return &validation, nil
}
