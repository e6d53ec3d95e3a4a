package config

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/hkdf"

	"chemcaptcha/internal/captcha"
	"chemcaptcha/internal/payload"
)

const (
	EnvAddr          = "CHEMCAPTCHA_ADDR"
	EnvDatabase      = "CHEMCAPTCHA_DB"
	EnvDataDir       = "CHEMCAPTCHA_DATA_DIR"
	EnvPayloadKey    = "CHEMCAPTCHA_PAYLOAD_KEY"
	EnvPayloadSecret = "CHEMCAPTCHA_PAYLOAD_SECRET"
	EnvTokenTTL      = "CHEMCAPTCHA_TOKEN_TTL"
	EnvNoise         = "CHEMCAPTCHA_NOISE"
	EnvDev           = "CHEMCAPTCHA_DEV"
	EnvGrid          = "CHEMCAPTCHA_GRID"
	EnvServer        = "CHEMCAPTCHA_SERVER"
)

const hkdfInfo = "chemcaptcha-payload-v1"

var ErrNoPayloadKey = errors.New("payload key not configured (set " + EnvPayloadKey + " or " + EnvPayloadSecret + ")")

// Server holds the reference server settings.
type Server struct {
	Addr          string
	DatabasePath  string
	DataDir       string
	PayloadKey    []byte
	TokenTTL      time.Duration
	Noise         bool
	NoiseDensity  int
	Grid          bool
	DevMode       bool
	DefaultWidth  int
	DefaultHeight int
}

// DefaultServer returns the settings used when nothing is configured. The
// payload key is intentionally left empty.
func DefaultServer() Server {
	return Server{
		Addr:          ":8000",
		DatabasePath:  "data/db/mol.db",
		DataDir:       "data/mol",
		TokenTTL:      2 * time.Minute,
		Noise:         true,
		NoiseDensity:  2,
		DefaultWidth:  captcha.DefaultWidth,
		DefaultHeight: captcha.DefaultHeight,
	}
}

// ServerFromEnv overlays environment variables on the defaults.
func ServerFromEnv() (Server, error) {
	cfg := DefaultServer()
	if v := os.Getenv(EnvAddr); v != "" {
		cfg.Addr = v
	}
	if v := os.Getenv(EnvDatabase); v != "" {
		cfg.DatabasePath = v
	}
	if v := os.Getenv(EnvDataDir); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv(EnvTokenTTL); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return cfg, fmt.Errorf("%s: %w", EnvTokenTTL, err)
		}
		cfg.TokenTTL = d
	}
	if v := os.Getenv(EnvNoise); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return cfg, fmt.Errorf("%s: %w", EnvNoise, err)
		}
		cfg.Noise = b
	}
	if v := os.Getenv(EnvGrid); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return cfg, fmt.Errorf("%s: %w", EnvGrid, err)
		}
		cfg.Grid = b
	}
	if v := os.Getenv(EnvDev); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return cfg, fmt.Errorf("%s: %w", EnvDev, err)
		}
		cfg.DevMode = b
	}

	key, err := KeyFromEnv()
	if err != nil && !errors.Is(err, ErrNoPayloadKey) {
		return cfg, err
	}
	cfg.PayloadKey = key
	return cfg, nil
}

// Validate checks the settings a running server cannot do without.
func (s Server) Validate() error {
	if len(s.PayloadKey) == 0 {
		return ErrNoPayloadKey
	}
	if len(s.PayloadKey) != payload.KeySize {
		return payload.ErrInvalidKeyLength
	}
	if s.TokenTTL <= 0 {
		return errors.New("token ttl must be positive")
	}
	if s.DefaultWidth <= 0 || s.DefaultHeight <= 0 {
		return errors.New("default size must be positive")
	}
	return nil
}

// KeyFromEnv reads the payload key, preferring an explicit key over a secret.
func KeyFromEnv() ([]byte, error) {
	if v := os.Getenv(EnvPayloadKey); v != "" {
		return ParseKey(v)
	}
	if v := os.Getenv(EnvPayloadSecret); v != "" {
		return DeriveKey(v)
	}
	return nil, ErrNoPayloadKey
}

// ParseKey accepts either 32 hex characters or exactly 16 raw characters, the
// latter matching the browser client's UTF-8 key.
func ParseKey(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	switch len(s) {
	case 2 * payload.KeySize:
		b, err := hex.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("payload key hex decode error: %w", err)
		}
		return b, nil
	case payload.KeySize:
		return []byte(s), nil
	default:
		return nil, fmt.Errorf("payload key must be 32 hex chars or 16 characters, got %d", len(s))
	}
}

// DeriveKey stretches an arbitrary secret into a payload key with HKDF-SHA256.
func DeriveKey(secret string) ([]byte, error) {
	if secret == "" {
		return nil, errors.New("empty payload secret")
	}
	h := hkdf.New(sha256.New, []byte(secret), nil, []byte(hkdfInfo))
	out := make([]byte, payload.KeySize)
	if _, err := io.ReadFull(h, out); err != nil {
		return nil, err
	}
	return out, nil
}

// ServerURL returns the client base URL from the environment or def.
func ServerURL(def string) string {
	if v := os.Getenv(EnvServer); v != "" {
		return strings.TrimRight(v, "/")
	}
	return strings.TrimRight(def, "/")
}
