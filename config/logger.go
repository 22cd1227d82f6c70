package config

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// InitLogger configures the global zerolog logger from the monitor.log_level
// setting. Output is a human-readable console writer; the relayer has no
// separate "production JSON" mode to switch to since every deployment of
// this service runs headless behind the monitor's HTTP surface.
func InitLogger(level string) {
	zerolog.TimeFieldFormat = time.RFC3339

	parsed, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		parsed = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(parsed)

	writer := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	log.Logger = zerolog.New(writer).With().Timestamp().Logger()
}

// RedactSecret returns a value safe to log in place of a sensitive
// configuration field such as destination.private_key: the first 4 and
// last 4 characters, with the middle masked, or "***" if too short to
// partially reveal without leaking material.
func RedactSecret(secret string) string {
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:4] + strings.Repeat("*", len(secret)-8) + secret[len(secret)-4:]
}
