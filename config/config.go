/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 Openphonic Contributors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package config loads the daemon configuration from environment variables.
// A .env file is honored when present so local development does not need a
// wrapper script.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config carries everything the softphone daemon needs.
type Config struct {
	Identity  IdentityConfig
	Signaling SignalingConfig
	SIP       SIPConfig
	ICE       ICEConfig
	Profile   ProfileConfig
	Control   ControlConfig
	LogLevel  string
}

// IdentityConfig names this endpoint in signaling offers. Room is the
// signaling room joined at startup to receive inbound calls.
type IdentityConfig struct {
	UserID      string
	DisplayName string
	Room        string
}

// SignalingConfig points at the room signaling relay.
type SignalingConfig struct {
	URL string // websocket URL of the signaling relay
}

// SIPConfig holds the SIP route settings. Credentials come from the phone
// profile at runtime, not from the environment.
type SIPConfig struct {
	WSURL              string // registrar address, e.g. sip.example.com:5060
	Prefix             string // dialing prefix prepended to external numbers
	DefaultCountryCode string
}

// ICEConfig holds STUN/TURN servers for the P2P route.
type ICEConfig struct {
	STUNURLs       []string
	TURNURLs       []string
	TURNUsername   string
	TURNCredential string
}

// ProfileConfig points at the phone-profile API.
type ProfileConfig struct {
	URL   string
	Token string
}

// ControlConfig holds the local control API settings.
type ControlConfig struct {
	ListenAddr      string
	ShutdownTimeout time.Duration
}

// Load reads the configuration from the environment. SIGNALING_URL is the
// only required variable; the SIP and profile sections are optional features
// that stay disabled when unset.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Identity: IdentityConfig{
			UserID:      os.Getenv("USER_ID"),
			DisplayName: os.Getenv("DISPLAY_NAME"),
			Room:        os.Getenv("LISTEN_ROOM"),
		},
		Signaling: SignalingConfig{
			URL: os.Getenv("SIGNALING_URL"),
		},
		SIP: SIPConfig{
			WSURL:              os.Getenv("SIP_WS_URL"),
			Prefix:             os.Getenv("SIP_PREFIX"),
			DefaultCountryCode: os.Getenv("DEFAULT_COUNTRY_CODE"),
		},
		ICE: ICEConfig{
			STUNURLs:       parseList(os.Getenv("STUN_URLS")),
			TURNURLs:       parseList(os.Getenv("TURN_URLS")),
			TURNUsername:   os.Getenv("TURN_USERNAME"),
			TURNCredential: os.Getenv("TURN_CREDENTIAL"),
		},
		Profile: ProfileConfig{
			URL:   os.Getenv("PROFILE_URL"),
			Token: os.Getenv("PROFILE_TOKEN"),
		},
		Control: ControlConfig{
			ListenAddr:      getEnv("LISTEN_ADDR", "127.0.0.1:8457"),
			ShutdownTimeout: 5 * time.Second,
		},
		LogLevel: getEnv("LOG_LEVEL", "info"),
	}

	if cfg.Signaling.URL == "" {
		return nil, fmt.Errorf("config: SIGNALING_URL is required")
	}
	return cfg, nil
}

// getEnv returns the environment value or a fallback when unset.
func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// parseList splits a comma-separated value, trimming whitespace and dropping
// empty entries.
func parseList(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
