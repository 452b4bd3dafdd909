package sessions

import (
	"context"
	"crypto/rand"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mcdev12/subathon/go/internal/timer"
)

var (
	ErrNotFound       = errors.New("session not found")
	ErrChannelExists  = errors.New("channel already added")
	ErrInvalidChannel = errors.New("channel name is required")
)

// Session is one subathon run that overlays and panels attach to.
type Session struct {
	ID        string    `json:"sessionId"`
	Code      string    `json:"code"`
	CreatedAt time.Time `json:"createdAt"`
	Active    bool      `json:"active"`
}

// Channel is a chat channel tracked for a session.
type Channel struct {
	ID          string    `json:"channelId"`
	Name        string    `json:"channelName"`
	AccessToken string    `json:"accessToken,omitempty"`
	AddedAt     time.Time `json:"addedAt"`
}

// Store keeps session metadata, per-session settings and channel lists.
// Settings and toggles read back as defaults until first set.
type Store interface {
	CreateSession(ctx context.Context, s Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	FindByCode(ctx context.Context, code string) (*Session, error)
	ListSessions(ctx context.Context) ([]Session, error)

	GetSettings(ctx context.Context, id string) (timer.Settings, error)
	SetSettings(ctx context.Context, id string, settings timer.Settings) error
	GetToggles(ctx context.Context, id string) (timer.Toggles, error)
	SetToggles(ctx context.Context, id string, toggles timer.Toggles) error

	ListChannels(ctx context.Context, id string) ([]Channel, error)
	AddChannel(ctx context.Context, id string, ch Channel) error
	RemoveChannel(ctx context.Context, id, channelID string) error
}

// NewSession builds an active session with a fresh id and join code.
func NewSession(now time.Time) Session {
	return Session{
		ID:        uuid.New().String(),
		Code:      newCode(),
		CreatedAt: now,
		Active:    true,
	}
}

// NewChannel fills in id and timestamp for a channel name.
func NewChannel(name, accessToken string, now time.Time) (Channel, error) {
	name = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(name), "#"))
	if name == "" {
		return Channel{}, ErrInvalidChannel
	}
	return Channel{
		ID:          uuid.New().String(),
		Name:        name,
		AccessToken: accessToken,
		AddedAt:     now,
	}, nil
}

const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// newCode returns a six character join code without look-alike characters.
func newCode() string {
	b := make([]byte, 6)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand does not fail on supported platforms
		return strings.ToUpper(uuid.New().String()[:6])
	}
	for i := range b {
		b[i] = codeAlphabet[int(b[i])%len(codeAlphabet)]
	}
	return string(b)
}

// NormalizeCode makes join codes case-insensitive.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
