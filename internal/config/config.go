package config

import (
	"bytes"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Evaluator kinds.
const (
	EvaluatorHeuristic = "heuristic"
	EvaluatorHTTP      = "http"
)

// Config models curricula.yml.
type Config struct {
	Run struct {
		Major           string   `yaml:"major"`
		Degree          string   `yaml:"degree,omitempty"`
		TargetPositions []string `yaml:"target_positions,omitempty"`
	} `yaml:"run"`
	Optimization Optimization  `yaml:"optimization"`
	Stakeholders []Stakeholder `yaml:"stakeholders"`
	Constraints  Constraints   `yaml:"constraints"`
	Webhooks     []Webhook     `yaml:"webhooks,omitempty"`
	Server       struct {
		JWTSecret string `yaml:"jwt_secret,omitempty"`
	} `yaml:"server,omitempty"`
}

type Optimization struct {
	MaxRounds            int      `yaml:"max_rounds"`
	ConvergenceThreshold float64  `yaml:"convergence_threshold"`
	StagnationEpsilon    float64  `yaml:"stagnation_epsilon"`
	PerCallTimeout       Duration `yaml:"per_call_timeout"`
	FeasibilityMargin    float64  `yaml:"feasibility_margin"`
	// MaxParallel bounds concurrent evaluation calls; 0 means one per stakeholder.
	MaxParallel  int `yaml:"max_parallel"`
	MaxDeferrals int `yaml:"max_deferrals"`
}

type Stakeholder struct {
	ID        string  `yaml:"id"`
	Name      string  `yaml:"name,omitempty"`
	Weight    float64 `yaml:"weight"`
	Evaluator string  `yaml:"evaluator,omitempty"`
	// Profile selects a built-in heuristic profile; it defaults to the id.
	Profile       string  `yaml:"profile,omitempty"`
	Focus         string  `yaml:"focus,omitempty"`
	TargetShare   float64 `yaml:"target_share,omitempty"`
	Endpoint      string  `yaml:"endpoint,omitempty"`
	Token         string  `yaml:"token,omitempty"`
	RatePerSecond float64 `yaml:"rate_per_second,omitempty"`
}

type Constraints struct {
	MaxTotalCredits float64            `yaml:"max_total_credits,omitempty"`
	CategoryCaps    map[string]float64 `yaml:"category_caps,omitempty"`
	Rules           []Rule             `yaml:"rules,omitempty"`
}

// Rule is a named boolean CEL expression over the projected credit totals.
type Rule struct {
	Name    string `yaml:"name"`
	Expr    string `yaml:"expr"`
	Message string `yaml:"message,omitempty"`
}

type Webhook struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events,omitempty"`
	Secret         string   `yaml:"secret,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
}

// Duration reads Go duration strings ("90s", "2m") from YAML.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

// Error is a configuration problem detected before any round runs.
type Error struct {
	Field   string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("config.%s: %s", e.Field, e.Message)
}

func fieldErr(field, format string, args ...any) *Error {
	return &Error{Field: field, Message: fmt.Sprintf(format, args...)}
}

const weightTolerance = 1e-6

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	o := c.Optimization
	if o.MaxRounds <= 0 {
		return fieldErr("optimization.max_rounds", "must be > 0, got %d", o.MaxRounds)
	}
	if !inUnit(o.ConvergenceThreshold) {
		return fieldErr("optimization.convergence_threshold", "must be in [0,1], got %v", o.ConvergenceThreshold)
	}
	if o.StagnationEpsilon < 0 || math.IsNaN(o.StagnationEpsilon) {
		return fieldErr("optimization.stagnation_epsilon", "must be >= 0, got %v", o.StagnationEpsilon)
	}
	if o.PerCallTimeout <= 0 {
		return fieldErr("optimization.per_call_timeout", "must be > 0")
	}
	if !inUnit(o.FeasibilityMargin) {
		return fieldErr("optimization.feasibility_margin", "must be in [0,1], got %v", o.FeasibilityMargin)
	}
	if o.MaxParallel < 0 {
		return fieldErr("optimization.max_parallel", "must be >= 0")
	}
	if o.MaxDeferrals < 0 {
		return fieldErr("optimization.max_deferrals", "must be >= 0")
	}
	if len(c.Stakeholders) == 0 {
		return fieldErr("stakeholders", "at least one stakeholder is required")
	}
	seen := map[string]bool{}
	sum := 0.0
	for i, s := range c.Stakeholders {
		field := fmt.Sprintf("stakeholders[%d]", i)
		if strings.TrimSpace(s.ID) == "" {
			return fieldErr(field+".id", "is required")
		}
		if seen[s.ID] {
			return fieldErr(field+".id", "duplicate stakeholder %s", s.ID)
		}
		seen[s.ID] = true
		if !inUnit(s.Weight) {
			return fieldErr(field+".weight", "must be in [0,1], got %v", s.Weight)
		}
		sum += s.Weight
		switch s.Evaluator {
		case "", EvaluatorHeuristic:
		case EvaluatorHTTP:
			if s.Endpoint == "" {
				return fieldErr(field+".endpoint", "is required for the http evaluator")
			}
		default:
			return fieldErr(field+".evaluator", "unknown evaluator %q", s.Evaluator)
		}
		if s.TargetShare < 0 || s.TargetShare > 1 {
			return fieldErr(field+".target_share", "must be in [0,1]")
		}
		if s.RatePerSecond < 0 {
			return fieldErr(field+".rate_per_second", "must be >= 0")
		}
	}
	if sum > 0 && math.Abs(sum-1) > weightTolerance {
		return fieldErr("stakeholders", "weights must sum to 1, got %.6f", sum)
	}
	if c.Constraints.MaxTotalCredits < 0 {
		return fieldErr("constraints.max_total_credits", "must be >= 0")
	}
	for cat, limit := range c.Constraints.CategoryCaps {
		if cat == "" {
			return fieldErr("constraints.category_caps", "empty category name")
		}
		if limit < 0 {
			return fieldErr("constraints.category_caps."+cat, "must be >= 0")
		}
	}
	rules := map[string]bool{}
	for i, r := range c.Constraints.Rules {
		field := fmt.Sprintf("constraints.rules[%d]", i)
		if r.Name == "" {
			return fieldErr(field+".name", "is required")
		}
		if rules[r.Name] {
			return fieldErr(field+".name", "duplicate rule %s", r.Name)
		}
		rules[r.Name] = true
		if strings.TrimSpace(r.Expr) == "" {
			return fieldErr(field+".expr", "is required")
		}
	}
	for i, h := range c.Webhooks {
		if h.URL == "" {
			return fieldErr(fmt.Sprintf("webhooks[%d].url", i), "is required")
		}
	}
	return nil
}

func inUnit(v float64) bool {
	return !math.IsNaN(v) && v >= 0 && v <= 1
}

// Weights returns the stakeholder weights, uniform when none are set.
func (c *Config) Weights() map[string]float64 {
	out := make(map[string]float64, len(c.Stakeholders))
	sum := 0.0
	for _, s := range c.Stakeholders {
		sum += s.Weight
	}
	for _, s := range c.Stakeholders {
		if sum == 0 {
			out[s.ID] = 1 / float64(len(c.Stakeholders))
			continue
		}
		out[s.ID] = s.Weight
	}
	return out
}

// Parallelism returns the effective fan-out bound.
func (c *Config) Parallelism() int {
	if c.Optimization.MaxParallel == 0 || c.Optimization.MaxParallel > len(c.Stakeholders) {
		return len(c.Stakeholders)
	}
	return c.Optimization.MaxParallel
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "curricula.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with cur config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional falls back to Default when the workspace has no config file.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the built-in five-stakeholder configuration.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Omitted
// optimization settings keep their defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	cfg.Stakeholders = nil
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if len(cfg.Stakeholders) == 0 {
		cfg.Stakeholders = Default().Stakeholders
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Marshal renders the config back to YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

const defaultTemplate = `run:
  major: ""

optimization:
  max_rounds: 5
  convergence_threshold: 0.85
  stagnation_epsilon: 0.01
  per_call_timeout: 90s
  feasibility_margin: 0.2
  max_parallel: 0
  max_deferrals: 2

stakeholders:
  - id: academic_affairs
    name: Academic Affairs Office
    weight: 0.25
    evaluator: heuristic
  - id: hr_recruiter
    name: HR Recruiter
    weight: 0.25
    evaluator: heuristic
  - id: industry_expert
    name: Industry Expert
    weight: 0.20
    evaluator: heuristic
  - id: student_representative
    name: Student Representative
    weight: 0.15
    evaluator: heuristic
  - id: faculty_representative
    name: Faculty Representative
    weight: 0.15
    evaluator: heuristic

constraints:
  category_caps: {}
  rules: []
`
