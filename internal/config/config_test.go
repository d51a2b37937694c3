package config

import (
	"log/slog"
	"testing"
	"time"
)

func TestParseDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Parse(nil)
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}

	if cfg.Nx != defaultNx {
		t.Fatalf("expected nx %d, got %d", defaultNx, cfg.Nx)
	}
	if cfg.Lambda != defaultLambda {
		t.Fatalf("expected lambda %v, got %v", defaultLambda, cfg.Lambda)
	}
	if cfg.TeamSize != defaultTeamSize {
		t.Fatalf("expected team size %d, got %d", defaultTeamSize, cfg.TeamSize)
	}
	if want := int(cfg.ViewSize() / uint64(defaultTeamSize)); cfg.LeagueSize != want {
		t.Fatalf("expected league size %d, got %d", want, cfg.LeagueSize)
	}
	if cfg.Repeats != defaultRepeats {
		t.Fatalf("expected %d repeats, got %d", defaultRepeats, cfg.Repeats)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Fatalf("expected log level info, got %v", cfg.LogLevel)
	}
	if cfg.Transport != defaultTransport {
		t.Fatalf("expected transport %q, got %q", defaultTransport, cfg.Transport)
	}
	if cfg.ScrapeTimeout != defaultTimeout {
		t.Fatalf("expected scrape timeout %v, got %v", defaultTimeout, cfg.ScrapeTimeout)
	}
}

func TestViewSize(t *testing.T) {
	t.Parallel()

	cfg := Config{Nx: 4}
	if got := cfg.ViewSize(); got != 64 {
		t.Fatalf("nx=4: view size %d, want 64", got)
	}
}

func TestEnvOverridesDefault(t *testing.T) {
	t.Setenv("PGAS_NX", "4")
	t.Setenv("PGAS_LAMBDA", "2.5")
	t.Setenv("PGAS_SCRAPE_TIMEOUT", "2s")

	cfg, err := Parse(nil)
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if cfg.Nx != 4 {
		t.Fatalf("expected nx from env, got %d", cfg.Nx)
	}
	if cfg.Lambda != 2.5 {
		t.Fatalf("expected lambda from env, got %v", cfg.Lambda)
	}
	if cfg.ScrapeTimeout != 2*time.Second {
		t.Fatalf("expected scrape timeout 2s, got %v", cfg.ScrapeTimeout)
	}
}

func TestFlagsOverrideEnv(t *testing.T) {
	t.Setenv("PGAS_NX", "4")

	cfg, err := Parse([]string{"-nx", "8"})
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if cfg.Nx != 8 {
		t.Fatalf("expected nx from flag, got %d", cfg.Nx)
	}
}

func TestExplicitShape(t *testing.T) {
	t.Parallel()

	cfg, err := Parse([]string{"-nx", "4", "-team_size", "16", "-league_size", "4"})
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if cfg.TeamSize != 16 || cfg.LeagueSize != 4 {
		t.Fatalf("shape: team %d league %d", cfg.TeamSize, cfg.LeagueSize)
	}
}

func TestRejectsBadConfig(t *testing.T) {
	t.Parallel()

	cases := [][]string{
		{"-nx", "0"},
		{"-lambda", "-1"},
		{"-repeat", "0"},
		{"-fraction", "0"},
		{"-nx", "4", "-team_size", "7", "-league_size", "3"}, // 21 != 64
		{"-transport", "carrier-pigeon"},
		{"-log-level", "shout"},
	}
	for _, args := range cases {
		if _, err := Parse(args); err == nil {
			t.Fatalf("args %v accepted", args)
		}
	}
}
