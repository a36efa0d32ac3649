package config

import (
	"os"
	"testing"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()

	if cfg.Port != 8080 {
		t.Errorf("expected Port=8080, got %d", cfg.Port)
	}
	if cfg.TickRate != 20 {
		t.Errorf("expected TickRate=20, got %d", cfg.TickRate)
	}
	if cfg.GameMode != "1v1" {
		t.Errorf("expected GameMode=1v1, got %q", cfg.GameMode)
	}
	if cfg.MatchmakingIntervalMS != 1000 {
		t.Errorf("expected MatchmakingIntervalMS=1000, got %d", cfg.MatchmakingIntervalMS)
	}
	if cfg.CountdownSeconds != 5 {
		t.Errorf("expected CountdownSeconds=5, got %d", cfg.CountdownSeconds)
	}
	if cfg.TimeoutTicks != 40 {
		t.Errorf("expected TimeoutTicks=40, got %d", cfg.TimeoutTicks)
	}
	if cfg.DisconnectTicks != 100 {
		t.Errorf("expected DisconnectTicks=100, got %d", cfg.DisconnectTicks)
	}
	if cfg.ReconnectGracePeriodMS != 30000 {
		t.Errorf("expected ReconnectGracePeriodMS=30000, got %d", cfg.ReconnectGracePeriodMS)
	}
	if cfg.MaxTickBehind != 10 {
		t.Errorf("expected MaxTickBehind=10, got %d", cfg.MaxTickBehind)
	}
	if cfg.MaxTickAhead != 5 {
		t.Errorf("expected MaxTickAhead=5, got %d", cfg.MaxTickAhead)
	}
	if cfg.CommandHistoryTicks != 200 {
		t.Errorf("expected CommandHistoryTicks=200, got %d", cfg.CommandHistoryTicks)
	}
	if cfg.ValidateInputSequence {
		t.Error("expected ValidateInputSequence=false")
	}
	if cfg.EnableStateHashing {
		t.Error("expected EnableStateHashing=false")
	}
	if cfg.Desync.Action != "end-match" {
		t.Errorf("expected Desync.Action=end-match, got %q", cfg.Desync.Action)
	}
	if cfg.Desync.GracePeriodTicks != 1 {
		t.Errorf("expected Desync.GracePeriodTicks=1, got %d", cfg.Desync.GracePeriodTicks)
	}
}

func TestPresets(t *testing.T) {
	cfg := Defaults()
	cases := map[string]GameModePreset{
		"1v1":  {PlayersPerMatch: 2, TeamsCount: 2},
		"2v2":  {PlayersPerMatch: 4, TeamsCount: 2},
		"3v3":  {PlayersPerMatch: 6, TeamsCount: 2},
		"4v4":  {PlayersPerMatch: 8, TeamsCount: 2},
		"FFA4": {PlayersPerMatch: 4, TeamsCount: 4},
	}
	for mode, want := range cases {
		got, ok := cfg.Preset(mode)
		if !ok {
			t.Fatalf("preset %s not found", mode)
		}
		if got != want {
			t.Errorf("preset %s: got %+v, want %+v", mode, got, want)
		}
	}
	if _, ok := cfg.Preset("unknown"); ok {
		t.Error("expected unknown preset to be absent")
	}
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	t.Setenv("TICK_RATE", "30")
	t.Setenv("GAME_MODE", "2v2")
	t.Setenv("ENABLE_STATE_HASHING", "true")
	t.Setenv("MAX_TICK_AHEAD", "8")

	// Ensure no config.json from the working directory leaks into the test.
	wd, _ := os.Getwd()
	if err := os.Chdir(t.TempDir()); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	t.Cleanup(func() { os.Chdir(wd) })

	cfg := Load()
	if cfg.TickRate != 30 {
		t.Errorf("expected TickRate=30, got %d", cfg.TickRate)
	}
	if cfg.GameMode != "2v2" {
		t.Errorf("expected GameMode=2v2, got %q", cfg.GameMode)
	}
	if !cfg.EnableStateHashing {
		t.Error("expected EnableStateHashing=true")
	}
	if cfg.MaxTickAhead != 8 {
		t.Errorf("expected MaxTickAhead=8, got %d", cfg.MaxTickAhead)
	}
}
