package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"log/slog"
)

const (
	defaultNx            = 64
	defaultLambda        = 10.0
	defaultTeamSize      = 32
	defaultRepeats       = 5
	defaultFraction      = 1
	defaultListenAddress = ""
	defaultMetricsPath   = "/metrics"
	defaultHealthPath    = "/healthz"
	defaultLogLevel      = "info"
	defaultTransport     = "tcp"
	defaultTimeout       = 5 * time.Second
)

// Config captures the benchmark driver's runtime configuration.
type Config struct {
	// Problem shape: each shard holds nx^3 elements.
	Nx         int
	Lambda     float64
	TeamSize   int
	LeagueSize int
	Repeats    int
	Fraction   int

	// ListenAddress enables the metrics endpoint when nonempty.
	ListenAddress string
	MetricsPath   string
	HealthPath    string
	ScrapeTimeout time.Duration

	LogLevel     slog.Level
	Transport    string
	FabricDevice string
	ShowVersion  bool
}

// ViewSize returns the per-shard element count nx^3.
func (c Config) ViewSize() uint64 {
	n := uint64(c.Nx)
	return n * n * n
}

// Parse constructs a Config from command-line flags and environment
// variables. Flags override the environment.
func Parse(args []string) (Config, error) {
	var cfg Config

	fs := flag.NewFlagSet("pgasbench", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	nx := fs.Int("nx", intEnvOrDefault("PGAS_NX", defaultNx), "Problem dimension; the shard holds nx^3 elements.")
	lambda := fs.Float64("lambda", floatEnvOrDefault("PGAS_LAMBDA", defaultLambda), "Poisson parameter controlling the average gap between remote misses.")
	teamSize := fs.Int("team_size", intEnvOrDefault("PGAS_TEAM_SIZE", -1), "Worker team size (default 32).")
	leagueSize := fs.Int("league_size", intEnvOrDefault("PGAS_LEAGUE_SIZE", -1), "Number of teams (default view_size/team_size).")
	repeat := fs.Int("repeat", intEnvOrDefault("PGAS_REPEAT", defaultRepeats), "Number of timed iterations.")
	fraction := fs.Int("fraction", intEnvOrDefault("PGAS_FRACTION", defaultFraction), "One team in every f issues remote accesses; the remote fraction is 1/f.")

	listen := fs.String("listen-address", envOrDefault("PGAS_LISTEN_ADDRESS", defaultListenAddress), "Address for the metrics endpoint; empty disables it.")
	metricsPath := fs.String("metrics-path", envOrDefault("PGAS_METRICS_PATH", defaultMetricsPath), "HTTP path under which metrics are served.")
	healthPath := fs.String("health-path", envOrDefault("PGAS_HEALTH_PATH", defaultHealthPath), "HTTP path for health checks.")
	logLevel := fs.String("log-level", envOrDefault("PGAS_LOG_LEVEL", defaultLogLevel), "Log level (debug, info, warn, error).")
	transportName := fs.String("transport", envOrDefault("PGAS_TRANSPORT", defaultTransport), "Transport back-end (tcp, loopback).")
	fabricDev := fs.String("fabric-device", envOrDefault("PGAS_FABRIC_DEVICE", ""), "RDMA device to probe at startup (optional).")

	timeoutDefault := defaultTimeout
	if envTimeout := os.Getenv("PGAS_SCRAPE_TIMEOUT"); envTimeout != "" {
		parsed, err := time.ParseDuration(envTimeout)
		if err != nil {
			return cfg, fmt.Errorf("invalid PGAS_SCRAPE_TIMEOUT: %w", err)
		}
		timeoutDefault = parsed
	}
	scrapeTimeout := fs.Duration("scrape-timeout", timeoutDefault, "Maximum duration to spend gathering metrics per scrape.")
	showVersion := fs.Bool("version", false, "Print version information and exit.")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return cfg, err
		}
		return cfg, fmt.Errorf("parse flags: %w", err)
	}

	level, err := parseLogLevel(*logLevel)
	if err != nil {
		return cfg, err
	}

	cfg = Config{
		Nx:            *nx,
		Lambda:        *lambda,
		TeamSize:      *teamSize,
		LeagueSize:    *leagueSize,
		Repeats:       *repeat,
		Fraction:      *fraction,
		ListenAddress: *listen,
		MetricsPath:   *metricsPath,
		HealthPath:    *healthPath,
		ScrapeTimeout: *scrapeTimeout,
		LogLevel:      level,
		Transport:     strings.ToLower(strings.TrimSpace(*transportName)),
		FabricDevice:  *fabricDev,
		ShowVersion:   *showVersion,
	}
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Nx <= 0 {
		return fmt.Errorf("nx must be positive, got %d", c.Nx)
	}
	if c.Lambda <= 0 {
		return fmt.Errorf("lambda must be positive, got %v", c.Lambda)
	}
	if c.Repeats <= 0 {
		return fmt.Errorf("repeat must be positive, got %d", c.Repeats)
	}
	if c.Fraction < 1 {
		return fmt.Errorf("fraction must be at least 1, got %d", c.Fraction)
	}
	viewSize := c.ViewSize()
	if c.TeamSize == -1 {
		c.TeamSize = defaultTeamSize
	}
	if c.TeamSize <= 0 {
		return fmt.Errorf("team_size must be positive, got %d", c.TeamSize)
	}
	if c.LeagueSize == -1 {
		c.LeagueSize = int(viewSize / uint64(c.TeamSize))
	}
	if c.LeagueSize <= 0 {
		return fmt.Errorf("league_size must be positive, got %d", c.LeagueSize)
	}
	if uint64(c.TeamSize)*uint64(c.LeagueSize) != viewSize {
		return fmt.Errorf("total size %d != league %d * team %d", viewSize, c.LeagueSize, c.TeamSize)
	}
	switch c.Transport {
	case "tcp", "loopback":
	default:
		return fmt.Errorf("unknown transport %q", c.Transport)
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func intEnvOrDefault(key string, fallback int) int {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		var parsed int
		if _, err := fmt.Sscanf(value, "%d", &parsed); err == nil {
			return parsed
		}
	}
	return fallback
}

func floatEnvOrDefault(key string, fallback float64) float64 {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		var parsed float64
		if _, err := fmt.Sscanf(value, "%g", &parsed); err == nil {
			return parsed
		}
	}
	return fallback
}

func parseLogLevel(value string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error", "err":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q", value)
	}
}
