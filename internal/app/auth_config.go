package app

import (
	"github.com/charlesng35/boardroom/internal/auth"
	"github.com/charlesng35/boardroom/internal/collab"
	"github.com/charlesng35/boardroom/internal/database"
	"github.com/charlesng35/boardroom/internal/realtime"
)

// JWTServiceConfig converts AuthConfig into the parameters expected by the JWT service.
func (c AuthConfig) JWTServiceConfig() auth.JWTConfig {
	ttl := c.JWT.TTL
	if ttl <= 0 {
		ttl = auth.DefaultAccessTokenTTL
	}

	return auth.JWTConfig{
		Secret:         c.JWT.Secret,
		Issuer:         c.JWT.Issuer,
		AccessTokenTTL: ttl,
	}
}

// CollabConfig converts SessionsConfig into session service parameters.
func (c SessionsConfig) CollabConfig() collab.Config {
	return collab.Config{CleanupGrace: c.CleanupGrace}
}

// PersistConfig converts PersistenceConfig into persister parameters.
func (c PersistenceConfig) PersistConfig() collab.PersistConfig {
	return collab.PersistConfig{
		MaxAttempts:      c.MaxAttempts,
		RetryDelay:       c.RetryDelay,
		OperationTimeout: c.OperationTimeout,
	}
}

// HubConfig converts RealtimeConfig into websocket hub parameters.
func (c RealtimeConfig) HubConfig() realtime.Config {
	return realtime.Config{
		AllowedOrigins:  c.AllowedOrigins,
		SendBuffer:      c.SendBuffer,
		EventsPerSecond: c.EventsPerSecond,
		Burst:           c.Burst,
	}
}

// Connection converts DatabaseConfig into database open parameters for the
// selected driver.
func (c DatabaseConfig) Connection() database.Config {
	cfg := database.Config{
		Driver: c.Driver,
		Path:   c.Path,
		DSN:    c.DSN,
	}

	var hosted DBAuthConfig
	switch c.Driver {
	case "postgres", "postgresql":
		hosted = c.Postgres
	case "mysql":
		hosted = c.MySQL
	default:
		return cfg
	}

	cfg.Host = hosted.Host
	cfg.Port = hosted.Port
	cfg.Name = hosted.Database
	cfg.User = hosted.Username
	cfg.Password = hosted.Password
	return cfg
}
