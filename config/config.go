// Package config loads the runtime configuration of the queue daemon from
// the environment. Derived authentication keys are computed once at load
// time and read-only thereafter.
package config

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Environment names.
const (
	EnvDevelopment = "development"
	EnvTest        = "test"
	EnvProduction  = "production"
)

// Config represents runtime configuration for the queue daemon.
type Config struct {
	Env          string
	Port         string
	DatabaseURL  string
	MsgStorePath string

	CallbackURIRoot string
	ChargeRoot      string
	ChargeAPIToken  string

	MinBid        int64
	MinPerByteBid float64
	ForcePayment  bool

	RedisURI     string
	ChannelsFile string
	LogFile      string

	// Derived at load time.
	webhookKey  []byte
	userAuthKey []byte
}

// FromEnv reads the configuration from the environment.
func FromEnv() (*Config, error) {
	env := getEnvDefault("ENV", EnvDevelopment)
	switch env {
	case EnvDevelopment, EnvTest, EnvProduction:
	default:
		return nil, fmt.Errorf("invalid ENV %q", env)
	}

	dbURL := os.Getenv("SATQ_DB_URL")
	if dbURL == "" {
		if env == EnvProduction {
			return nil, fmt.Errorf("SATQ_DB_URL is required")
		}
		dbURL = "satqueue.db"
	}

	token := strings.TrimSpace(os.Getenv("CHARGE_API_TOKEN"))
	if token == "" && env == EnvProduction {
		return nil, fmt.Errorf("CHARGE_API_TOKEN is required")
	}

	minBid := parseIntEnv("MIN_BID", 1000)
	if minBid <= 0 {
		return nil, fmt.Errorf("invalid MIN_BID %d", minBid)
	}
	minPerByte, err := parseFloatEnv("MIN_PER_BYTE_BID", 1.0)
	if err != nil || minPerByte <= 0 {
		return nil, fmt.Errorf("invalid MIN_PER_BYTE_BID")
	}

	cfg := &Config{
		Env:             env,
		Port:            getEnvDefault("SATQ_PORT", "9292"),
		DatabaseURL:     dbURL,
		MsgStorePath:    getEnvDefault("SATQ_MSG_STORE_PATH", "messages"),
		CallbackURIRoot: getEnvDefault("CALLBACK_URI_ROOT", "http://localhost:9292"),
		ChargeRoot:      getEnvDefault("CHARGE_ROOT", "http://localhost:9112"),
		ChargeAPIToken:  token,
		MinBid:          minBid,
		MinPerByteBid:   minPerByte,
		ForcePayment:    parseBoolEnv("FORCE_PAYMENT"),
		RedisURI:        getEnvDefault("REDIS_URI", "redis://localhost:6379"),
		ChannelsFile:    os.Getenv("SATQ_CHANNELS_FILE"),
		LogFile:         os.Getenv("SATQ_LOG_FILE"),
	}
	cfg.deriveKeys()
	return cfg, nil
}

// deriveKeys computes the webhook and user-token HMAC keys from the charge
// API token.
func (c *Config) deriveKeys() {
	c.webhookKey = hmacSum([]byte("charged-token"), []byte(c.ChargeAPIToken))
	c.userAuthKey = hmacSum([]byte("user-token"), []byte(c.ChargeAPIToken))
}

// WebhookToken returns the hex HMAC token expected on the payment callback
// for the invoice identified by lid.
func (c *Config) WebhookToken(lid string) string {
	return hex.EncodeToString(hmacSum(c.webhookKey, []byte(lid)))
}

// UserAuthToken returns the hex HMAC token that authenticates user access
// to the order identified by uuid.
func (c *Config) UserAuthToken(uuid string) string {
	return hex.EncodeToString(hmacSum(c.userAuthKey, []byte(uuid)))
}

// CallbackURL builds the webhook URL registered with the invoice issuer.
func (c *Config) CallbackURL(lid string) string {
	return fmt.Sprintf("%s/callback/%s/%s",
		strings.TrimRight(c.CallbackURIRoot, "/"), lid, c.WebhookToken(lid))
}

// Production reports whether the daemon runs in the production environment.
func (c *Config) Production() bool {
	return c.Env == EnvProduction
}

func hmacSum(key, msg []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(msg)
	return mac.Sum(nil)
}

func getEnvDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseIntEnv(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

func parseFloatEnv(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	return strconv.ParseFloat(v, 64)
}

func parseBoolEnv(key string) bool {
	v, err := strconv.ParseBool(os.Getenv(key))
	return err == nil && v
}
