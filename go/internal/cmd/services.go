package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/mcdev12/subathon/go/clients/helix_client"
	"github.com/mcdev12/subathon/go/internal/api"
	"github.com/mcdev12/subathon/go/internal/auth"
	"github.com/mcdev12/subathon/go/internal/chat"
	"github.com/mcdev12/subathon/go/internal/events"
	"github.com/mcdev12/subathon/go/internal/eventsub"
	"github.com/mcdev12/subathon/go/internal/hub"
	"github.com/mcdev12/subathon/go/internal/mirror"
	"github.com/mcdev12/subathon/go/internal/pipeline"
	"github.com/mcdev12/subathon/go/internal/sessions"
	"github.com/mcdev12/subathon/go/internal/timer"
	"github.com/rs/zerolog/log"
)

type Services struct {
	Config   *Config
	Engine   *timer.Engine
	Store    sessions.Store
	Hub      *hub.Hub
	Bus      *events.Bus
	Pipeline *pipeline.Pipeline
	Helix    *helix_client.HelixClient
	Auth     *auth.Controller
	EventSub *eventsub.Client
	Chat     *chat.Client
	API      *api.Handler

	closers []func() error
	probes  []api.Option
}

func setupServices(ctx context.Context, cfg *Config) (*Services, error) {
	// Store → Engine → Pipeline → Upstream clients → API
	s := &Services{
		Config: cfg,
		Engine: timer.NewEngine(),
		Hub:    hub.New(hub.DefaultConnectionConfig()),
		Bus:    events.NewBus(),
		Helix:  helix_client.NewHelixClient(),
	}

	store, err := s.setupStore()
	if err != nil {
		return nil, err
	}
	s.Store = store

	var pipelineOpts []pipeline.Option
	if cfg.NATS.URL != "" {
		jsCfg := mirror.DefaultJetStreamConfig()
		jsCfg.URL = cfg.NATS.URL
		if cfg.NATS.StreamName != "" {
			jsCfg.StreamName = cfg.NATS.StreamName
		}
		if cfg.NATS.SubjectPrefix != "" {
			jsCfg.SubjectPrefix = cfg.NATS.SubjectPrefix
		}
		m, err := mirror.NewJetStreamMirror(ctx, jsCfg)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("failed to set up event mirror: %w", err)
		}
		s.closers = append(s.closers, m.Close)
		s.probes = append(s.probes, api.WithProbe("nats", m.Ping))
		pipelineOpts = append(pipelineOpts, pipeline.WithMirror(m))
		log.Info().Str("nats_url", cfg.NATS.URL).Str("stream", jsCfg.StreamName).Msg("mirroring events to JetStream")
	}
	s.Pipeline = pipeline.New(s.Engine, s.Store, s.Hub, s.Bus, pipelineOpts...)

	authOpts := []auth.Option{auth.WithHTTPClient(s.Helix.HTTPClient())}
	if path, err := auth.DefaultStorePath(); err == nil {
		authOpts = append(authOpts, auth.WithStore(auth.NewFileStore(path)))
	} else {
		log.Warn().Err(err).Msg("no config dir, login will not be cached")
	}
	s.Auth = auth.NewController(s.Helix, cfg.Twitch.ClientSecret, authOpts...)

	s.EventSub = eventsub.New(s.Helix, s.Bus)
	s.Chat = chat.New()

	apiOpts := []api.Option{
		api.WithAuth(s.Auth, api.AuthConfig{
			ClientID:    cfg.Twitch.ClientID,
			RedirectURI: cfg.Twitch.RedirectURI,
			Scopes:      cfg.Twitch.Scopes,
		}, s.connectUpstream),
		api.WithChat(s.Chat),
		api.WithInitialSeconds(cfg.Timer.InitialSeconds),
		api.WithProbe("eventsub", s.eventSubHealthy),
	}
	s.API = api.NewHandler(s.Pipeline, s.Engine, s.Store, append(apiOpts, s.probes...)...)

	return s, nil
}

func (s *Services) setupStore() (sessions.Store, error) {
	if s.Config.Redis.Addr == "" {
		log.Info().Msg("using in-memory session store")
		return sessions.NewMemoryStore(), nil
	}

	store, err := sessions.NewRedisStore(sessions.RedisConfig{
		Address:   s.Config.Redis.Addr,
		Password:  s.Config.Redis.Password,
		DB:        s.Config.Redis.DB,
		KeyPrefix: s.Config.Redis.KeyPrefix,
	})
	if err != nil {
		return nil, err
	}
	s.closers = append(s.closers, store.Close)
	s.probes = append(s.probes, api.WithProbe("redis", store.Ping))
	log.Info().Str("addr", s.Config.Redis.Addr).Msg("using redis session store")
	return store, nil
}

// start launches the background loops and restores a cached login.
func (s *Services) start(ctx context.Context) {
	go func() {
		if err := s.Pipeline.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("pipeline stopped")
		}
	}()
	go s.Pipeline.WatchChat(ctx, s.Chat)
	go s.Pipeline.WatchFatal(ctx, "eventsub", s.EventSub.Fatal())
	go s.Pipeline.WatchFatal(ctx, "chat", s.Chat.Fatal())

	sess, err := s.Auth.Restore(ctx)
	switch {
	case errors.Is(err, auth.ErrSessionInvalid):
		log.Info().Msg("cached login expired, log in again")
		return
	case err != nil:
		log.Warn().Err(err).Msg("could not restore login")
		return
	case sess == nil:
		return
	}

	if err := s.connectUpstream(ctx, *sess); err != nil {
		log.Error().Err(err).Msg("failed to connect with restored login")
		s.Pipeline.Notify("error", "auth", err.Error())
	}
}

// eventSubHealthy fails only once reconnecting has given up.
func (s *Services) eventSubHealthy(ctx context.Context) error {
	if state := s.EventSub.State(); state == eventsub.StateExhausted {
		return eventsub.ErrStreamExhausted
	}
	return nil
}

// connectUpstream (re)opens the event stream and chat for the logged-in user.
func (s *Services) connectUpstream(ctx context.Context, sess auth.Session) error {
	s.EventSub.Disconnect()
	s.Chat.Disconnect()

	if err := s.EventSub.Connect(ctx, sess.AccessToken, sess.UserID, s.Config.Twitch.ClientID); err != nil {
		return fmt.Errorf("event stream: %w", err)
	}
	if err := s.Chat.Connect(ctx, sess.Login, sess.AccessToken); err != nil {
		return fmt.Errorf("chat: %w", err)
	}
	if err := s.Chat.JoinChannel(sess.Login); err != nil {
		return fmt.Errorf("chat join: %w", err)
	}

	log.Info().
		Str("login", sess.Login).
		Str("eventsub_session", s.EventSub.SessionID()).
		Msg("connected upstream")
	return nil
}

// Close stops upstream clients and releases external connections.
func (s *Services) Close() {
	if s.EventSub != nil {
		s.EventSub.Disconnect()
	}
	if s.Chat != nil {
		s.Chat.Disconnect()
	}
	for _, closeFn := range s.closers {
		if err := closeFn(); err != nil {
			log.Warn().Err(err).Msg("error during shutdown")
		}
	}
}
