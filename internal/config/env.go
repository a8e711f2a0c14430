package config

import (
	"errors"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// Environment variables that override secrets from the config file.
const (
	EnvTelegramToken = "PROMOBOT_TELEGRAM_TOKEN"
	EnvDatabaseDSN   = "PROMOBOT_DATABASE_DSN"
	EnvAMQPURL       = "PROMOBOT_AMQP_URL"
)

// LoadDotEnv loads KEY=VALUE files into the process environment. Missing
// files are skipped; variables already set win over file values.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return err
		}
	}
	return nil
}

// applyEnv overlays environment overrides onto cfg.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	set := func(dst *string, key string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	set(&cfg.Telegram.Token, EnvTelegramToken)
	set(&cfg.Storage.DSN, EnvDatabaseDSN)
	set(&cfg.Queue.URL, EnvAMQPURL)
}
