package config

import (
	"bytes"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config models chained.yaml.
type Config struct {
	Registry struct {
		FallbackWorker string `yaml:"fallback_worker"`
	} `yaml:"registry"`
	Score struct {
		Weights struct {
			Pattern     float64 `yaml:"pattern"`
			Performance float64 `yaml:"performance"`
			Location    float64 `yaml:"location"`
		} `yaml:"weights"`
		NeutralPrior    float64 `yaml:"neutral_prior"`
		LocationPenalty float64 `yaml:"location_penalty"`
		MinScore        float64 `yaml:"min_score"`
		Epsilon         float64 `yaml:"epsilon"`
	} `yaml:"score"`
	Evolution struct {
		MinMissions      int     `yaml:"min_missions"`
		HallOfFameRate   float64 `yaml:"hall_of_fame_rate"`
		EliminationRate  float64 `yaml:"elimination_rate"`
		EliminationGrace int     `yaml:"elimination_grace"`
	} `yaml:"evolution"`
	Retry struct {
		Attempts  int `yaml:"attempts"`
		BackoffMS int `yaml:"backoff_ms"`
	} `yaml:"retry"`
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
		JWTEnv   string `yaml:"jwt_env"`
	} `yaml:"server"`
	Telemetry struct {
		WebhookURL string `yaml:"webhook_url"`
		PollMS     int    `yaml:"poll_ms"`
		BatchSize  int    `yaml:"batch_size"`
	} `yaml:"telemetry"`
}

// WorkerDef is an authored worker definition document (workers/*.yaml).
// Tools are stored but not interpreted here.
type WorkerDef struct {
	ID                   string   `yaml:"id"`
	SpecializationTokens []string `yaml:"specialization_tokens"`
	Tools                []string `yaml:"tools"`
	LocationAffinity     []string `yaml:"location_affinity"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; run chd init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Registry.FallbackWorker == "" {
		return fmt.Errorf("config.registry.fallback_worker is required")
	}
	w := c.Score.Weights
	for name, v := range map[string]float64{
		"pattern":     w.Pattern,
		"performance": w.Performance,
		"location":    w.Location,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("config.score.weights.%s must be in [0,1]", name)
		}
	}
	if sum := w.Pattern + w.Performance + w.Location; math.Abs(sum-1) > 1e-6 {
		return fmt.Errorf("config.score.weights must sum to 1, got %.6f", sum)
	}
	if c.Score.NeutralPrior < 0 || c.Score.NeutralPrior > 1 {
		return fmt.Errorf("config.score.neutral_prior must be in [0,1]")
	}
	if c.Score.LocationPenalty < 0 || c.Score.LocationPenalty > 1 {
		return fmt.Errorf("config.score.location_penalty must be in [0,1]")
	}
	if c.Score.MinScore < 0 || c.Score.MinScore > 1 {
		return fmt.Errorf("config.score.min_score must be in [0,1]")
	}
	if c.Score.Epsilon <= 0 {
		return fmt.Errorf("config.score.epsilon must be positive")
	}
	if c.Evolution.MinMissions < 1 {
		return fmt.Errorf("config.evolution.min_missions must be at least 1")
	}
	if c.Evolution.HallOfFameRate <= 0 || c.Evolution.HallOfFameRate > 1 {
		return fmt.Errorf("config.evolution.hall_of_fame_rate must be in (0,1]")
	}
	if c.Evolution.EliminationRate <= 0 || c.Evolution.EliminationRate >= c.Evolution.HallOfFameRate {
		return fmt.Errorf("config.evolution.elimination_rate must be in (0,%.2f)", c.Evolution.HallOfFameRate)
	}
	if c.Evolution.EliminationGrace < 0 {
		return fmt.Errorf("config.evolution.elimination_grace must be >= 0")
	}
	if c.Retry.Attempts < 1 {
		return fmt.Errorf("config.retry.attempts must be at least 1")
	}
	if c.Retry.BackoffMS < 0 {
		return fmt.Errorf("config.retry.backoff_ms must be >= 0")
	}
	if c.Telemetry.WebhookURL != "" {
		if c.Telemetry.PollMS < 1 {
			return fmt.Errorf("config.telemetry.poll_ms must be positive when webhook_url is set")
		}
		if c.Telemetry.BatchSize < 1 {
			return fmt.Errorf("config.telemetry.batch_size must be positive when webhook_url is set")
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "chained.yaml")
}

// WorkersDir returns the worker definitions directory for a workspace.
func WorkersDir(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "workers")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// ToYAML renders the config back to YAML.
func (c *Config) ToYAML() ([]byte, error) {
	return yaml.Marshal(c)
}

func (d WorkerDef) Validate() error {
	if strings.TrimSpace(d.ID) == "" {
		return fmt.Errorf("worker definition missing id")
	}
	for _, tok := range d.SpecializationTokens {
		if strings.TrimSpace(tok) == "" {
			return fmt.Errorf("worker %s has empty specialization token", d.ID)
		}
	}
	return nil
}

// WorkerDefFromFile reads a single worker definition document.
func WorkerDefFromFile(path string) (WorkerDef, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return WorkerDef{}, err
	}
	var def WorkerDef
	if err := yaml.Unmarshal(data, &def); err != nil {
		return WorkerDef{}, fmt.Errorf("invalid worker definition %s: %w", path, err)
	}
	if err := def.Validate(); err != nil {
		return WorkerDef{}, fmt.Errorf("%s: %w", path, err)
	}
	return def, nil
}

// LoadWorkerDefs reads every *.yaml/*.yml definition in dir, sorted by id.
func LoadWorkerDefs(dir string) ([]WorkerDef, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var defs []WorkerDef
	seen := map[string]string{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		def, err := WorkerDefFromFile(path)
		if err != nil {
			return nil, err
		}
		if prev, ok := seen[def.ID]; ok {
			return nil, fmt.Errorf("worker %s defined in both %s and %s", def.ID, prev, path)
		}
		seen[def.ID] = path
		defs = append(defs, def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].ID < defs[j].ID })
	return defs, nil
}

const defaultTemplate = `registry:
  fallback_worker: general-purpose

score:
  weights:
    pattern: 0.5
    performance: 0.3
    location: 0.2
  neutral_prior: 0.5
  location_penalty: 0.25
  min_score: 0.25
  epsilon: 1.0e-9

evolution:
  min_missions: 5
  hall_of_fame_rate: 0.85
  elimination_rate: 0.30
  elimination_grace: 5

retry:
  attempts: 5
  backoff_ms: 25

server:
  addr: 127.0.0.1:8640
  base_path: /v1
  jwt_env: CHAINED_JWT_SECRET

telemetry:
  webhook_url: ""
  poll_ms: 2000
  batch_size: 50
`
