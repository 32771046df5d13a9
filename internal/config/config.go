package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Endpoint EndpointConfig `yaml:"endpoint"`
	Solver   SolverConfig   `yaml:"solver"`
	Puzzle   PuzzleConfig   `yaml:"puzzle"`
	Policy   PolicyConfig   `yaml:"policy"`
	Store    StoreConfig    `yaml:"store"`
	Logger   LoggerConfig   `yaml:"logger"`
	Gate     GateConfig     `yaml:"gate"`
}

// EndpointConfig locates the verification service.
type EndpointConfig struct {
	BaseURL    string        `yaml:"base_url"`
	InitPath   string        `yaml:"init_path"`
	VerifyPath string        `yaml:"verify_path"`
	Timeout    time.Duration `yaml:"timeout"`
	UserAgent  string        `yaml:"user_agent"`
}

type SolverConfig struct {
	ChunkSize int           `yaml:"chunk_size"`
	Workers   int           `yaml:"workers"`
	MaxNonce  uint64        `yaml:"max_nonce"`
	Deadline  time.Duration `yaml:"deadline"`
}

type Circle struct {
	X float64 `yaml:"x"`
	Y float64 `yaml:"y"`
	R float64 `yaml:"r"`
}

type PuzzleConfig struct {
	Width      float64 `yaml:"width"`
	Height     float64 `yaml:"height"`
	PixelRatio float64 `yaml:"pixel_ratio"`
	Marker     Circle  `yaml:"marker"`
	Target     Circle  `yaml:"target"`
	Tolerance  float64 `yaml:"tolerance"`
}

// PolicyConfig holds product decisions that are deliberately not hardcoded.
type PolicyConfig struct {
	// ResetPuzzleOnFailedVerify clears a previously solved puzzle whenever a
	// verify call is rejected. Off by default: a solved puzzle stays solved
	// for the rest of the session.
	ResetPuzzleOnFailedVerify bool `yaml:"reset_puzzle_on_failed_verify"`
}

type StoreConfig struct {
	Backend   string        `yaml:"backend"` // "memory" or "redis"
	RedisAddr string        `yaml:"redis_addr"`
	KeyPrefix string        `yaml:"key_prefix"`
	TokenTTL  time.Duration `yaml:"token_ttl"`
}

type LoggerConfig struct {
	Level       string `yaml:"level"`
	Format      string `yaml:"format"` // "console" or "json"
	ServiceName string `yaml:"service_name"`
	LogFile     string `yaml:"log_file"`
	MaxSize     int    `yaml:"max_size"`
	MaxBackups  int    `yaml:"max_backups"`
	MaxAge      int    `yaml:"max_age"`
	Compress    bool   `yaml:"compress"`
}

// GateConfig configures the reference verification service.
type GateConfig struct {
	Addr           string        `yaml:"addr"`
	Secret         string        `yaml:"secret"`
	JWTSecret      string        `yaml:"jwt_secret"`
	Difficulty     int           `yaml:"difficulty"`
	ChallengeTTL   time.Duration `yaml:"challenge_ttl"`
	TokenTTL       time.Duration `yaml:"token_ttl"`
	AllowThreshold float64       `yaml:"allow_threshold"`
	StaticRisk     float64       `yaml:"static_risk"`
	RateLimitRPS   float64       `yaml:"rate_limit_rps"`
	RateLimitBurst int           `yaml:"rate_limit_burst"`
	BlockedAgents  []string      `yaml:"blocked_agents"`
	RequiredHeader []string      `yaml:"required_headers"`
}

func DefaultConfig() *Config {
	return &Config{
		Endpoint: EndpointConfig{
			BaseURL:    "http://localhost:8080",
			InitPath:   "/captcha/init",
			VerifyPath: "/captcha/verify",
			Timeout:    10 * time.Second,
			UserAgent:  "Mozilla/5.0 (X11; Linux x86_64) captchify/1.0",
		},
		Solver: SolverConfig{
			ChunkSize: 2048,
			Workers:   1,
			Deadline:  time.Minute,
		},
		Puzzle: PuzzleConfig{
			Width:      320,
			Height:     140,
			PixelRatio: 1,
			Marker:     Circle{X: 80, Y: 70, R: 10},
			Target:     Circle{X: 240, Y: 70, R: 18},
			Tolerance:  6,
		},
		Store: StoreConfig{
			Backend:   "memory",
			RedisAddr: "localhost:6379",
			KeyPrefix: "captchify",
			TokenTTL:  5 * time.Minute,
		},
		Logger: LoggerConfig{
			Level:       "info",
			Format:      "console",
			ServiceName: "captchify",
			MaxSize:     10,
			MaxBackups:  3,
			MaxAge:      7,
		},
		Gate: GateConfig{
			Addr:           ":8080",
			Difficulty:     18,
			ChallengeTTL:   180 * time.Second,
			TokenTTL:       300 * time.Second,
			AllowThreshold: 0.35,
			StaticRisk:     0.5,
			RateLimitRPS:   5,
			RateLimitBurst: 50,
			BlockedAgents: []string{
				"wget", "curl", "python", "requests", "selenium", "chromedriver", "phantomjs",
				"headless", "puppet", "bot", "crawl", "spider", "scripted", "automated",
			},
			RequiredHeader: []string{"Accept", "Accept-Language", "Accept-Encoding"},
		},
	}
}

// LoadConfig overlays the YAML file at path on top of DefaultConfig. The
// defaults are returned alongside any read or parse error so callers can
// decide whether to continue.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects values the components cannot run with.
func (c *Config) Validate() error {
	if c.Solver.ChunkSize <= 0 {
		return fmt.Errorf("solver.chunk_size must be positive, got %d", c.Solver.ChunkSize)
	}
	if c.Solver.Workers <= 0 {
		return fmt.Errorf("solver.workers must be positive, got %d", c.Solver.Workers)
	}
	if c.Puzzle.PixelRatio <= 0 {
		return fmt.Errorf("puzzle.pixel_ratio must be positive, got %v", c.Puzzle.PixelRatio)
	}
	switch c.Store.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("store.backend must be memory or redis, got %q", c.Store.Backend)
	}
	if c.Gate.RateLimitRPS <= 0 || c.Gate.RateLimitBurst <= 0 {
		return fmt.Errorf("gate.rate_limit_rps and gate.rate_limit_burst must be positive")
	}
	if c.Gate.Difficulty < 0 || c.Gate.Difficulty > 256 {
		return fmt.Errorf("gate.difficulty out of range: %d", c.Gate.Difficulty)
	}
	return nil
}
