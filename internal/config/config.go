package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"strings"
)

type Config struct {
	Addr              string
	DatabaseURL       string
	Environment       string
	KafkaBrokers      []string
	KafkaTopic        string
	PaymentGatewayURL string
	PaymentAPIKey     string
	ProofSigningKey   []byte
	PhotoBucket       string
	PhotoPrefix       string
	ActiveGoalLimit   int
	SimulationEnabled bool
}

const (
	defaultAddr            = ":8070"
	defaultEnvironment     = "development"
	defaultKafkaTopic      = "stakeit.events"
	defaultActiveGoalLimit = 3
)

func Load() (Config, error) {
	env := getEnv("STAKEIT_ENV", defaultEnvironment)
	cfg := Config{
		Addr:              getEnv("STAKEIT_ADDR", defaultAddr),
		DatabaseURL:       firstNonEmpty(os.Getenv("STAKEIT_DATABASE_URL"), os.Getenv("DATABASE_URL")),
		Environment:       env,
		KafkaBrokers:      splitList(os.Getenv("STAKEIT_KAFKA_BROKERS")),
		KafkaTopic:        getEnv("STAKEIT_KAFKA_TOPIC", defaultKafkaTopic),
		PaymentGatewayURL: os.Getenv("STAKEIT_PAYMENT_GATEWAY_URL"),
		PaymentAPIKey:     os.Getenv("STAKEIT_PAYMENT_API_KEY"),
		PhotoBucket:       os.Getenv("STAKEIT_PHOTO_BUCKET"),
		PhotoPrefix:       os.Getenv("STAKEIT_PHOTO_PREFIX"),
		ActiveGoalLimit:   getInt("STAKEIT_ACTIVE_GOAL_LIMIT", defaultActiveGoalLimit),
		SimulationEnabled: getBool("STAKEIT_SIMULATION_ENABLED", env != "production"),
	}
	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("DATABASE_URL or STAKEIT_DATABASE_URL required")
	}
	if keyB64 := os.Getenv("STAKEIT_PROOF_SIGNING_KEY_B64"); keyB64 != "" {
		key, err := base64.StdEncoding.DecodeString(keyB64)
		if err != nil {
			return Config{}, fmt.Errorf("STAKEIT_PROOF_SIGNING_KEY_B64 invalid base64: %w", err)
		}
		cfg.ProofSigningKey = key
	}
	if env == "production" {
		if len(cfg.ProofSigningKey) == 0 {
			return Config{}, fmt.Errorf("STAKEIT_PROOF_SIGNING_KEY_B64 required in production")
		}
		if cfg.SimulationEnabled {
			return Config{}, fmt.Errorf("STAKEIT_SIMULATION_ENABLED must be off in production")
		}
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
