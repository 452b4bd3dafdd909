package helix_client

const (
	// Base URLs
	HelixBaseURL = "https://api.twitch.tv/helix"
	IDBaseURL    = "https://id.twitch.tv/oauth2"

	// API Endpoints
	UsersEndpoint                 = "/users"
	EventSubSubscriptionsEndpoint = "/eventsub/subscriptions"

	// ID Endpoints
	AuthorizeEndpoint = "/authorize"
	TokenEndpoint     = "/token"
	ValidateEndpoint  = "/validate"

	// Headers
	ClientIDHeader      = "Client-Id"
	AuthorizationHeader = "Authorization"
	ContentTypeHeader   = "Content-Type"
)
