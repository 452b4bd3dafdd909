package main

import (
	"fmt"
	"net/http"
	"os"

	"github.com/mcdev12/subathon/go/internal/api"
	"github.com/mcdev12/subathon/go/internal/hub"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

func setupServer(services *Services) *http.Server {
	mux := http.NewServeMux()

	c := cors.New(cors.Options{
		AllowedMethods: []string{
			http.MethodHead,
			http.MethodGet,
			http.MethodPost,
			http.MethodPut,
			http.MethodPatch,
			http.MethodDelete,
		},
		AllowedOrigins: []string{"*"},
		AllowedHeaders: []string{"*"},
	})

	services.API.RegisterRoutes(mux)
	hub.NewWebSocketHandler(services.Hub).RegisterRoutes(mux)
	setupOverlay(mux, services.Config.Server.OverlayDir)

	handler := api.LogRequests(c.Handler(mux))

	return &http.Server{
		Addr:    fmt.Sprintf(":%s", services.Config.Server.Port),
		Handler: h2c.NewHandler(handler, &http2.Server{}),
	}
}

// setupOverlay serves the browser-source pages when the directory exists.
func setupOverlay(mux *http.ServeMux, dir string) {
	if dir == "" {
		return
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		log.Warn().Str("dir", dir).Msg("overlay directory not found, not serving overlays")
		return
	}
	mux.Handle("GET /overlay/", http.StripPrefix("/overlay/", http.FileServer(http.Dir(dir))))
}
