package helix_client

import (
	"errors"
	"net/http"

	"github.com/mcdev12/subathon/go/clients"
)

// HelixClient talks to the platform REST API and its identity service.
type HelixClient struct {
	api *clients.BaseClient
	id  *clients.BaseClient
}

func NewHelixClient() *HelixClient {
	return NewHelixClientWithURLs(HelixBaseURL, IDBaseURL)
}

// NewHelixClientWithURLs points the client at alternative hosts, mostly for tests.
func NewHelixClientWithURLs(helixURL, idURL string) *HelixClient {
	client := &HelixClient{
		api: clients.NewBaseClient(helixURL),
		id:  clients.NewBaseClient(idURL),
	}
	client.api.SetHeader(ContentTypeHeader, "application/json")
	return client
}

// IDBaseURL returns the identity service base, used to build OAuth endpoints.
func (c *HelixClient) IDBaseURL() string {
	return c.id.BaseURL()
}

func (c *HelixClient) HTTPClient() *http.Client {
	return c.api.HTTPClient()
}

func bearerHeaders(clientID, token string) map[string]string {
	return map[string]string{
		ClientIDHeader:      clientID,
		AuthorizationHeader: "Bearer " + token,
	}
}

func statusCode(err error) int {
	var apiErr *clients.APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}
