package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Config is the whole process configuration surface. Values arrive from
// the environment (optionally via a .env file) and flow into components as
// plain constructor parameters; nothing below here reads env vars.
type Config struct {
	BindHost string
	BindPort int

	ServerHost string // client: direct server address, unless a name is used
	ServerPort int

	TickRate    int
	PeerTimeout time.Duration

	ConnectorHost   string
	ConnectorPort   int
	RegisterName    string // server: public name to register; client: name to resolve
	ConnectorExpiry time.Duration

	PlayerName string
}

// Load reads the environment. A missing .env file is fine; explicit env
// vars always win over defaults.
func Load() Config {
	if err := godotenv.Load(); err == nil {
		log.Debug().Msg("loaded .env")
	}
	return Config{
		BindHost:        getEnv("STEPSYNC_BIND_HOST", "0.0.0.0"),
		BindPort:        getEnvInt("STEPSYNC_BIND_PORT", 20000),
		ServerHost:      getEnv("STEPSYNC_SERVER_HOST", "127.0.0.1"),
		ServerPort:      getEnvInt("STEPSYNC_SERVER_PORT", 20000),
		TickRate:        getEnvInt("STEPSYNC_TICK_RATE", 30),
		PeerTimeout:     getEnvDuration("STEPSYNC_PEER_TIMEOUT", 10*time.Second),
		ConnectorHost:   getEnv("STEPSYNC_CONNECTOR_HOST", ""),
		ConnectorPort:   getEnvInt("STEPSYNC_CONNECTOR_PORT", 20001),
		RegisterName:    getEnv("STEPSYNC_REGISTER_NAME", ""),
		ConnectorExpiry: getEnvDuration("STEPSYNC_CONNECTOR_EXPIRY", 15*time.Second),
		PlayerName:      getEnv("STEPSYNC_PLAYER_NAME", ""),
	}
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("not an integer, using default")
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("not a duration, using default")
		return fallback
	}
	return d
}
