package main

import (
	"github.com/rs/zerolog"

	"github.com/voxline/voxline/internal/config"
)

// logStartupWarnings flags configurations that run but are unsafe or
// surprising in production.
func logStartupWarnings(log zerolog.Logger, cfg *config.Config) {
	if cfg.APIKey == "" {
		log.Warn().
			Str("warning_code", "api_key_unset").
			Msg("startup security warning: api_key is empty, the store API accepts unauthenticated requests")
	}

	if cfg.DialsPerSecond <= 0 {
		log.Warn().
			Str("warning_code", "dial_rate_unlimited").
			Msg("startup security warning: dials_per_second is 0, call creation is unthrottled")
	}

	servers, err := cfg.ICEServers()
	if err == nil && len(servers) == 0 {
		log.Warn().
			Str("warning_code", "no_ice_servers").
			Msg("startup warning: no STUN/TURN servers configured, peers connect via host candidates only")
	}
}
