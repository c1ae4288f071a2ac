package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	proptalk "github.com/proptalk/proptalk/sdk/golang"
)

// newLogger builds the console logger. The --log-level flag wins over the
// config file.
func newLogger(cfg *Config) zerolog.Logger {
	level := cfg.Log.Level
	if flagLogLevel != "" {
		level = flagLogLevel
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.WarnLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(lvl).
		With().Timestamp().Logger()
}

// getClient creates a client from the config, failing when no token is set.
func getClient(cfg *Config, log zerolog.Logger) (*proptalk.Client, error) {
	if cfg.Server.Token == "" {
		return nil, errors.New("no token configured; run 'proptalk init <server-url> <token>' first")
	}
	return proptalk.NewClient(cfg.Server.Token,
		proptalk.WithBaseURL(cfg.Server.BaseURL),
		proptalk.WithClientLogger(log),
	), nil
}

// openStore opens the local message cache, or returns nil when disabled.
func openStore(cfg *Config) (*proptalk.PebbleStore, error) {
	if !cfg.Cache.Enabled {
		return nil, nil
	}
	path, err := cfg.cachePath()
	if err != nil {
		return nil, err
	}
	return proptalk.OpenPebbleStore(path)
}

// openSession builds an unconnected session with the configured cache.
// close releases both the session and the cache.
func openSession(cfg *Config, opts ...proptalk.Option) (sess *proptalk.Session, close func(), err error) {
	log := newLogger(cfg)
	client, err := getClient(cfg, log)
	if err != nil {
		return nil, nil, err
	}
	scfg, err := cfg.sessionConfig()
	if err != nil {
		return nil, nil, err
	}

	store, err := openStore(cfg)
	if err != nil {
		return nil, nil, err
	}
	if store != nil {
		opts = append(opts, proptalk.WithStore(store))
	}

	sess = client.NewSession(scfg, opts...)
	return sess, func() {
		sess.Close()
		if store != nil {
			if err := store.Close(); err != nil {
				log.Warn().Err(err).Msg("closing cache failed")
			}
		}
	}, nil
}

func formatMessage(m proptalk.Message, viewer string) string {
	who := m.SenderID
	if who == viewer {
		who = "me"
	}
	state := ""
	switch {
	case m.IsProvisional():
		state = " (sending)"
	case len(m.Reads) > 0 && m.SenderID == viewer:
		state = " (read)"
	}
	return fmt.Sprintf("[%s] %s: %s%s", m.CreatedAt.Local().Format("15:04:05"), who, m.Content, state)
}

// maskKey shows the first 4 and last 4 characters of a token.
func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
