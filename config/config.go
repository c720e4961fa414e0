// Package config loads client settings from viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/viper"

	"node.town/rtasr/wire"
)

const (
	KeyProfile        = "profile"
	KeyEndpoint       = "endpoint"
	KeyAppID          = "app_id"
	KeyAPIKey         = "api_key"
	KeyAPISecret      = "api_secret"
	KeyLanguage       = "language"
	KeyDomain         = "domain"
	KeyAccent         = "accent"
	KeySampleRate     = "sample_rate"
	KeyFrameInterval  = "frame_interval"
	KeyFrameSize      = "frame_size"
	KeyConnectTimeout = "connect_timeout"
	KeyPingInterval   = "ping_interval"
	KeyDrainTimeout   = "drain_timeout"
	KeyCorrection     = "correction"
	KeyCorrectionMode = "correction_mode"
	KeyLogLevel       = "log_level"
	KeyMetricsAddr    = "metrics_addr"
)

var ErrMissingCredentials = errors.New("missing credentials")

type Config struct {
	Profile        string
	Endpoint       string
	AppID          string
	APIKey         string
	APISecret      string
	Language       string
	Domain         string
	Accent         string
	SampleRate     int
	FrameInterval  time.Duration
	FrameSize      int
	ConnectTimeout time.Duration
	PingInterval   time.Duration
	DrainTimeout   time.Duration
	Correction     bool
	CorrectionMode wire.CorrectionMode
	LogLevel       log.Level
	MetricsAddr    string
}

// SetDefaults registers the default for every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault(KeyProfile, "iat")
	v.SetDefault(KeyDomain, "iat")
	v.SetDefault(KeyAccent, "mandarin")
	v.SetDefault(KeySampleRate, 16000)
	v.SetDefault(KeyFrameInterval, 40*time.Millisecond)
	v.SetDefault(KeyFrameSize, 0)
	v.SetDefault(KeyConnectTimeout, 15*time.Second)
	v.SetDefault(KeyPingInterval, 0)
	v.SetDefault(KeyDrainTimeout, 0)
	v.SetDefault(KeyCorrection, true)
	v.SetDefault(KeyCorrectionMode, "list")
	v.SetDefault(KeyLogLevel, "info")
}

// Load reads a Config from v, applying defaults for anything unset.
func Load(v *viper.Viper) (*Config, error) {
	SetDefaults(v)

	mode, err := wire.ParseCorrectionMode(v.GetString(KeyCorrectionMode))
	if err != nil {
		return nil, err
	}
	level, err := log.ParseLevel(v.GetString(KeyLogLevel))
	if err != nil {
		return nil, fmt.Errorf("log_level: %w", err)
	}

	c := &Config{
		Profile:        strings.ToLower(v.GetString(KeyProfile)),
		Endpoint:       v.GetString(KeyEndpoint),
		AppID:          v.GetString(KeyAppID),
		APIKey:         v.GetString(KeyAPIKey),
		APISecret:      v.GetString(KeyAPISecret),
		Language:       v.GetString(KeyLanguage),
		Domain:         v.GetString(KeyDomain),
		Accent:         v.GetString(KeyAccent),
		SampleRate:     v.GetInt(KeySampleRate),
		FrameInterval:  v.GetDuration(KeyFrameInterval),
		FrameSize:      v.GetInt(KeyFrameSize),
		ConnectTimeout: v.GetDuration(KeyConnectTimeout),
		PingInterval:   v.GetDuration(KeyPingInterval),
		DrainTimeout:   v.GetDuration(KeyDrainTimeout),
		Correction:     v.GetBool(KeyCorrection),
		CorrectionMode: mode,
		LogLevel:       level,
		MetricsAddr:    v.GetString(KeyMetricsAddr),
	}
	// The rtasr profile picks its own language when none is given.
	if c.Language == "" && c.Profile == "iat" {
		c.Language = "zh_cn"
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks everything except credentials, which only matter once a
// session is opened.
func (c *Config) Validate() error {
	if _, err := c.WireProfile(); err != nil {
		return err
	}
	if c.SampleRate <= 0 {
		return fmt.Errorf("sample_rate must be positive, got %d", c.SampleRate)
	}
	if c.FrameInterval <= 0 {
		return fmt.Errorf("frame_interval must be positive, got %s", c.FrameInterval)
	}
	if c.FrameSize < 0 {
		return fmt.Errorf("frame_size must not be negative, got %d", c.FrameSize)
	}
	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("connect_timeout must be positive, got %s", c.ConnectTimeout)
	}
	return nil
}

// RequireCredentials reports which credential keys are unset.
func (c *Config) RequireCredentials() error {
	var missing []string
	if c.AppID == "" {
		missing = append(missing, KeyAppID)
	}
	if c.APIKey == "" {
		missing = append(missing, KeyAPIKey)
	}
	if c.APISecret == "" {
		missing = append(missing, KeyAPISecret)
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingCredentials, strings.Join(missing, ", "))
	}
	return nil
}

func (c *Config) WireProfile() (wire.Profile, error) {
	return wire.ProfileByName(c.Profile, c.Endpoint, c.CorrectionMode)
}

func (c *Config) Credentials() wire.Credentials {
	return wire.Credentials{AppID: c.AppID, APIKey: c.APIKey, APISecret: c.APISecret}
}

func (c *Config) Meta() wire.Meta {
	return wire.Meta{
		AppID:      c.AppID,
		Language:   c.Language,
		Domain:     c.Domain,
		Accent:     c.Accent,
		SampleRate: c.SampleRate,
		Correction: c.Correction,
	}
}
