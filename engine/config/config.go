// Package config provides pipeline and role configuration for the generation engine.
//
// Configuration is constructed once, validated, and treated as read-only for
// the lifetime of a pipeline. Concurrent runs share the same config value and
// never mutate it.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from Go duration strings
// ("500ms", "2m") in YAML config files.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string like '500ms': %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration '%s': %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Stage names for the built-in pipeline. The analysis, producer, and critic
// stages are fixed; fan-out stages are whatever the config lists.
const (
	StageRequirements  = "requirements"
	StageCode          = "code"
	StageReview        = "review"
	StageDocumentation = "documentation"
	StageTests         = "tests"
	StageDeployment    = "deployment"
	StageUI            = "ui"
)

// RoleConfig is the declarative configuration for a single generation role.
type RoleConfig struct {
	// Name is the unique stage name this role serves.
	Name string `yaml:"name" json:"name"`

	// Instruction is the system instruction bound to every invocation.
	Instruction string `yaml:"instruction" json:"instruction"`

	// Temperature overrides the provider's default randomness.
	Temperature *float64 `yaml:"temperature,omitempty" json:"temperature,omitempty"`

	// MaxTokens caps the generated output length.
	MaxTokens *int `yaml:"max_tokens,omitempty" json:"max_tokens,omitempty"`

	// TimeoutSeconds bounds a single invocation. Zero uses the pipeline default.
	TimeoutSeconds int `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
}

// Validate validates the role configuration.
func (c *RoleConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("RoleConfig.Name is required")
	}
	if c.Instruction == "" {
		return fmt.Errorf("role '%s' has no instruction", c.Name)
	}
	if c.Temperature != nil && (*c.Temperature < 0 || *c.Temperature > 2) {
		return fmt.Errorf("role '%s' temperature %v out of range [0, 2]", c.Name, *c.Temperature)
	}
	if c.MaxTokens != nil && *c.MaxTokens <= 0 {
		return fmt.Errorf("role '%s' max_tokens must be positive", c.Name)
	}
	return nil
}

// RetryConfig defines the retry policy applied around every role invocation.
type RetryConfig struct {
	// MaxAttempts is the total number of calls, first attempt included.
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts"`

	// BaseDelay is the delay before the first retry; it doubles each retry.
	BaseDelay Duration `yaml:"base_delay" json:"base_delay"`

	// MaxDelay is the ceiling on the backoff delay.
	MaxDelay Duration `yaml:"max_delay" json:"max_delay"`
}

// Validate validates the retry configuration.
func (c *RetryConfig) Validate() error {
	if c.MaxAttempts < 1 {
		return fmt.Errorf("RetryConfig.MaxAttempts must be at least 1")
	}
	if c.BaseDelay < 0 || c.MaxDelay < 0 {
		return fmt.Errorf("retry delays must be non-negative")
	}
	if c.MaxDelay > 0 && c.MaxDelay < c.BaseDelay {
		return fmt.Errorf("RetryConfig.MaxDelay must be >= BaseDelay")
	}
	return nil
}

// GenerationConfig configures the outbound generation provider.
type GenerationConfig struct {
	// BaseURL of an OpenAI-compatible chat completions endpoint.
	BaseURL string `yaml:"base_url" json:"base_url"`

	// Model is the model identifier sent with every request.
	Model string `yaml:"model" json:"model"`

	// APIKey authenticates outbound calls. Usually injected from the
	// environment, never from the config file.
	APIKey string `yaml:"-" json:"-"`

	// RequestsPerMinute is the client-side rate limit. Zero disables limiting.
	RequestsPerMinute int `yaml:"requests_per_minute" json:"requests_per_minute"`
}

// PipelineConfig defines the full stage graph for one pipeline.
type PipelineConfig struct {
	// Name is used for logging and metrics labels.
	Name string `yaml:"name" json:"name"`

	// Analysis turns the raw requirement into a structured requirement artifact.
	Analysis RoleConfig `yaml:"analysis" json:"analysis"`

	// Producer drafts and revises the primary artifact.
	Producer RoleConfig `yaml:"producer" json:"producer"`

	// Critic reviews producer artifacts and emits verdicts.
	Critic RoleConfig `yaml:"critic" json:"critic"`

	// FanOut lists the independent downstream roles run after the loop settles.
	FanOut []RoleConfig `yaml:"fan_out" json:"fan_out"`

	// MaxRevisionRounds bounds producer re-invocations after the first draft.
	MaxRevisionRounds int `yaml:"max_revision_rounds" json:"max_revision_rounds"`

	// StageTimeout is the default per-invocation timeout.
	StageTimeout Duration `yaml:"stage_timeout" json:"stage_timeout"`
}

// Validate validates the pipeline configuration.
func (p *PipelineConfig) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("PipelineConfig.Name is required")
	}
	if p.MaxRevisionRounds < 0 {
		return fmt.Errorf("PipelineConfig.MaxRevisionRounds must be non-negative")
	}
	if p.StageTimeout < 0 {
		return fmt.Errorf("PipelineConfig.StageTimeout must be non-negative")
	}

	names := make(map[string]bool)
	for _, rc := range p.AllRoles() {
		if err := rc.Validate(); err != nil {
			return err
		}
		if names[rc.Name] {
			return fmt.Errorf("duplicate stage name: %s", rc.Name)
		}
		names[rc.Name] = true
	}
	return nil
}

// AllRoles returns every role config in stage order: analysis, producer,
// critic, then the fan-out roles.
func (p *PipelineConfig) AllRoles() []*RoleConfig {
	roles := []*RoleConfig{&p.Analysis, &p.Producer, &p.Critic}
	for i := range p.FanOut {
		roles = append(roles, &p.FanOut[i])
	}
	return roles
}

// FanOutStages returns the ordered fan-out stage names.
func (p *PipelineConfig) FanOutStages() []string {
	stages := make([]string, len(p.FanOut))
	for i, rc := range p.FanOut {
		stages[i] = rc.Name
	}
	return stages
}

// Role gets a role config by stage name, or nil if unknown.
func (p *PipelineConfig) Role(name string) *RoleConfig {
	for _, rc := range p.AllRoles() {
		if rc.Name == name {
			return rc
		}
	}
	return nil
}

// EngineConfig is the top-level engine configuration.
type EngineConfig struct {
	Pipeline   PipelineConfig   `yaml:"pipeline" json:"pipeline"`
	Retry      RetryConfig      `yaml:"retry" json:"retry"`
	Generation GenerationConfig `yaml:"generation" json:"generation"`

	// OutputDir is the base directory for persisted run artifacts.
	OutputDir string `yaml:"output_dir" json:"output_dir"`

	// LogLevel controls binary-side log verbosity.
	LogLevel string `yaml:"log_level" json:"log_level"`
}

// Validate validates the engine configuration.
func (c *EngineConfig) Validate() error {
	if err := c.Pipeline.Validate(); err != nil {
		return err
	}
	if err := c.Retry.Validate(); err != nil {
		return err
	}
	return nil
}

func floatPtr(f float64) *float64 { return &f }
func intPtr(i int) *int           { return &i }

// DefaultEngineConfig returns the built-in artifact-generation pipeline:
// requirement analysis, a code producer reviewed by a critic, and four
// independent downstream stages.
func DefaultEngineConfig() *EngineConfig {
	return &EngineConfig{
		Pipeline: PipelineConfig{
			Name: "artifact-generation",
			Analysis: RoleConfig{
				Name: StageRequirements,
				Instruction: "You are a senior business analyst. Convert the natural language " +
					"description into structured requirements: a project title, functional " +
					"requirements, technical specifications, input/output formats, and edge " +
					"cases to handle. Be precise and unambiguous.",
				Temperature: floatPtr(0.3),
				MaxTokens:   intPtr(2000),
			},
			Producer: RoleConfig{
				Name: StageCode,
				Instruction: "You are an expert software developer. Generate production-ready " +
					"code from the structured requirements: typed interfaces, comprehensive " +
					"error handling, input validation, and logging. When reviewer feedback is " +
					"provided, revise the previous code to address every point. Output only " +
					"the complete code.",
				Temperature: floatPtr(0.2),
				MaxTokens:   intPtr(3000),
			},
			Critic: RoleConfig{
				Name: StageReview,
				Instruction: "You are a principal engineer conducting code reviews. Check " +
					"correctness against the requirements, security, performance, error " +
					"handling, and readability. Start your response with " +
					"'## Review Status: APPROVED' or '## Review Status: NEEDS_REVISION', " +
					"then list concrete findings. Approve only when the code meets all " +
					"quality standards.",
				Temperature: floatPtr(0.4),
				MaxTokens:   intPtr(2500),
			},
			FanOut: []RoleConfig{
				{
					Name: StageDocumentation,
					Instruction: "You are a technical writer. Produce complete documentation " +
						"for the given code: overview, installation, usage examples, and an " +
						"API reference.",
					Temperature: floatPtr(0.3),
					MaxTokens:   intPtr(2000),
				},
				{
					Name: StageTests,
					Instruction: "You are a QA engineer. Write a thorough automated test " +
						"suite for the given code: happy paths, edge cases, and failure " +
						"modes. Output only the test code.",
					Temperature: floatPtr(0.3),
					MaxTokens:   intPtr(2500),
				},
				{
					Name: StageDeployment,
					Instruction: "You are a DevOps engineer. Produce deployment " +
						"configuration for the given code: a container image definition, " +
						"environment variables, and run instructions.",
					Temperature: floatPtr(0.2),
					MaxTokens:   intPtr(1500),
				},
				{
					Name: StageUI,
					Instruction: "You are a frontend developer. Produce a minimal web UI " +
						"that exercises the given code, based on the project description " +
						"provided.",
					Temperature: floatPtr(0.3),
					MaxTokens:   intPtr(2500),
				},
			},
			MaxRevisionRounds: 3,
			StageTimeout:      Duration(120 * time.Second),
		},
		Retry: RetryConfig{
			MaxAttempts: 3,
			BaseDelay:   Duration(500 * time.Millisecond),
			MaxDelay:    Duration(8 * time.Second),
		},
		Generation: GenerationConfig{
			BaseURL:           "https://api.openai.com/v1",
			Model:             "gpt-4o",
			RequestsPerMinute: 60,
		},
		OutputDir: "output",
		LogLevel:  "INFO",
	}
}
