// Package config loads the tunables that govern matchmaking, the tick clock,
// timeouts, and the desync detector.
package config

import (
	"encoding/json"
	"log"
	"os"
	"strconv"
)

// DesyncConfig controls the state-hash desync detector. The detector only
// runs at all when EnableStateHashing is set on the owning Config; there is
// no separate enable flag here, matching the spec's configuration surface.
type DesyncConfig struct {
	Action           string `json:"action"` // "end-match" or "log-only"
	GracePeriodTicks int    `json:"grace_period_ticks"`
}

// GameModePreset describes a configurable match shape (players per match,
// number of teams). TeamsCount must evenly divide PlayersPerMatch.
type GameModePreset struct {
	PlayersPerMatch int `json:"players_per_match"`
	TeamsCount      int `json:"teams_count"`
}

// Config holds all configurable parameters for the matchmaking queue,
// match rooms, and connection gateway.
type Config struct {
	Port int    `json:"port"`
	CORS string `json:"cors"`

	TickRate              int    `json:"tick_rate"`
	GameMode              string `json:"game_mode"`
	MatchmakingIntervalMS int    `json:"matchmaking_interval_ms"`
	CountdownSeconds      int    `json:"countdown_seconds"`

	TimeoutTicks    int `json:"timeout_ticks"`
	DisconnectTicks int `json:"disconnect_ticks"`

	ReconnectGracePeriodMS int `json:"reconnect_grace_period_ms"`

	MaxTickBehind       int `json:"max_tick_behind"`
	MaxTickAhead        int `json:"max_tick_ahead"`
	CommandHistoryTicks int `json:"command_history_ticks"`

	ValidateInputSequence bool `json:"validate_input_sequence"`
	EnableStateHashing    bool `json:"enable_state_hashing"`

	Desync DesyncConfig `json:"desync"`

	// GameModes maps a mode name ("1v1", "2v2", ...) to its preset. Populated
	// with the spec's built-in presets in Defaults and may be extended via
	// config.json.
	GameModes map[string]GameModePreset `json:"game_modes"`

	// AuthJWKSURL, if set, is passed to the auth package to validate bearer
	// tokens on connect. Empty disables authentication (local dev/tests).
	AuthJWKSURL string `json:"auth_jwks_url"`

	// DatabaseURL, if set, enables optional match-summary persistence.
	DatabaseURL string `json:"database_url"`
}

// Defaults returns a Config populated with the defaults from the spec.
func Defaults() *Config {
	return &Config{
		Port:                   8080,
		CORS:                   "*",
		TickRate:               20,
		GameMode:               "1v1",
		MatchmakingIntervalMS:  1000,
		CountdownSeconds:       5,
		TimeoutTicks:           40,
		DisconnectTicks:        100,
		ReconnectGracePeriodMS: 30000,
		MaxTickBehind:          10,
		MaxTickAhead:           5,
		CommandHistoryTicks:    200,
		ValidateInputSequence:  false,
		EnableStateHashing:     false,
		Desync: DesyncConfig{
			Action:           "end-match",
			GracePeriodTicks: 1,
		},
		GameModes: map[string]GameModePreset{
			"1v1":  {PlayersPerMatch: 2, TeamsCount: 2},
			"2v2":  {PlayersPerMatch: 4, TeamsCount: 2},
			"3v3":  {PlayersPerMatch: 6, TeamsCount: 2},
			"4v4":  {PlayersPerMatch: 8, TeamsCount: 2},
			"FFA4": {PlayersPerMatch: 4, TeamsCount: 4},
		},
	}
}

// Load reads configuration from an optional config.json file, then applies
// environment variable overrides. Fields not set in either source keep their
// default values.
func Load() *Config {
	cfg := Defaults()

	if f, err := os.Open("config.json"); err == nil {
		defer f.Close()
		if err := json.NewDecoder(f).Decode(cfg); err != nil {
			log.Printf("Warning: failed to parse config.json: %v", err)
		}
	}

	overrideInt(&cfg.Port, "PORT")
	overrideString(&cfg.CORS, "CORS_ORIGIN")
	overrideInt(&cfg.TickRate, "TICK_RATE")
	overrideString(&cfg.GameMode, "GAME_MODE")
	overrideInt(&cfg.MatchmakingIntervalMS, "MATCHMAKING_INTERVAL_MS")
	overrideInt(&cfg.CountdownSeconds, "COUNTDOWN_SECONDS")
	overrideInt(&cfg.TimeoutTicks, "TIMEOUT_TICKS")
	overrideInt(&cfg.DisconnectTicks, "DISCONNECT_TICKS")
	overrideInt(&cfg.ReconnectGracePeriodMS, "RECONNECT_GRACE_PERIOD_MS")
	overrideInt(&cfg.MaxTickBehind, "MAX_TICK_BEHIND")
	overrideInt(&cfg.MaxTickAhead, "MAX_TICK_AHEAD")
	overrideInt(&cfg.CommandHistoryTicks, "COMMAND_HISTORY_TICKS")
	overrideBool(&cfg.ValidateInputSequence, "VALIDATE_INPUT_SEQUENCE")
	overrideBool(&cfg.EnableStateHashing, "ENABLE_STATE_HASHING")
	overrideString(&cfg.Desync.Action, "DESYNC_ACTION")
	overrideInt(&cfg.Desync.GracePeriodTicks, "DESYNC_GRACE_PERIOD_TICKS")
	overrideString(&cfg.AuthJWKSURL, "AUTH_JWKS_URL")
	overrideString(&cfg.DatabaseURL, "DATABASE_URL")

	return cfg
}

// Preset looks up the configured game mode, falling back to the built-in
// default presets if it is missing from cfg.GameModes.
func (c *Config) Preset(mode string) (GameModePreset, bool) {
	if p, ok := c.GameModes[mode]; ok {
		return p, true
	}
	if p, ok := Defaults().GameModes[mode]; ok {
		return p, true
	}
	return GameModePreset{}, false
}

func overrideInt(field *int, envKey string) {
	if val := os.Getenv(envKey); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			*field = n
		} else {
			log.Printf("Warning: invalid value for %s: %q", envKey, val)
		}
	}
}

func overrideString(field *string, envKey string) {
	if val := os.Getenv(envKey); val != "" {
		*field = val
	}
}

func overrideBool(field *bool, envKey string) {
	if val := os.Getenv(envKey); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			*field = b
		} else {
			log.Printf("Warning: invalid value for %s: %q", envKey, val)
		}
	}
}
