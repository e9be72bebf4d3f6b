package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

type LLM struct {
	Provider          string   `toml:"provider"`
	Model             string   `toml:"model"`
	BaseURL           string   `toml:"base_url"`
	APIKey            string   `toml:"api_key"`
	Timeout           Duration `toml:"timeout"`
	Temperature       float64  `toml:"temperature"`
	MaxInputTokens    int      `toml:"max_input_tokens"`
	ContextWindow     int      `toml:"context_window"`
	MaxOutputTokens   int      `toml:"max_output_tokens"`
	TokenizerEncoding string   `toml:"tokenizer_encoding"`
	CacheEnabled      bool     `toml:"cache_enabled"`
}

type Generation struct {
	OutlineMaxTokens   int      `toml:"outline_max_tokens"`
	SectionMaxTokens   int      `toml:"section_max_tokens"`
	ExpansionMaxTokens int      `toml:"expansion_max_tokens"`
	MinSectionWords    int      `toml:"min_section_words"`
	MinWrapUpWords     int      `toml:"min_wrap_up_words"`
	Motifs             []string `toml:"motifs"`
	VoicePromptPath    string   `toml:"voice_prompt_path"`
	MaxClips           int      `toml:"max_clips"`
	MaxEvents          int      `toml:"max_events"`
	ReducedClips       int      `toml:"reduced_clips"`
	ReducedEvents      int      `toml:"reduced_events"`
}

type Storage struct {
	DBPath string `toml:"db_path"`
}

type Publish struct {
	OutputDir  string `toml:"output_dir"`
	RenderCard bool   `toml:"render_card"`
	ChromePath string `toml:"chrome_path"`
	Author     string `toml:"author"`
}

type Telemetry struct {
	OTLPEndpoint string `toml:"otlp_endpoint"`
	ServiceName  string `toml:"service_name"`
	Insecure     bool   `toml:"insecure"`
}

type Logging struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type Server struct {
	Addr string `toml:"addr"`
	// WebhookSecret, when set, requires POST /v1/runs to carry an
	// X-Devlog-Signature HMAC-SHA256 of the body.
	WebhookSecret string `toml:"webhook_secret"`
}

// Config is built once at startup and treated as read-only afterwards.
//
// Sections:
//   - LLM: completion backend, token limits, cache toggle
//   - Generation: per-stage budgets, length floors, motifs, row caps
//   - Storage: SQLite run store
//   - Publish: output directory and title card rendering
//   - Telemetry: OTLP trace export
//   - Logging: level and encoding
//   - Server: HTTP listen address
type Config struct {
	LLM        LLM        `toml:"llm"`
	Generation Generation `toml:"generation"`
	Storage    Storage    `toml:"storage"`
	Publish    Publish    `toml:"publish"`
	Telemetry  Telemetry  `toml:"telemetry"`
	Logging    Logging    `toml:"logging"`
	Server     Server     `toml:"server"`
}

// Duration decodes TOML strings such as "90s" or "5m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", string(b), err)
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Default returns the embedded sample configuration.
func Default() Config {
	var cfg Config
	if err := toml.Unmarshal([]byte(sampleConfig), &cfg); err != nil {
		panic(fmt.Sprintf("embedded sample config is invalid: %v", err))
	}
	return cfg
}

// Load reads the TOML file at path (if it exists), then .env, then process
// environment overrides. An empty path falls back to ./devlog.toml.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolved, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}
	if exists {
		file, err := os.Open(resolved)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()
		if err := toml.NewDecoder(file).Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, "", false, fmt.Errorf("load .env: %w", err)
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}
	return &cfg, resolved, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if strings.TrimSpace(path) == "" {
		path = "devlog.toml"
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", false, fmt.Errorf("resolve config path: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return abs, false, nil
		}
		return "", false, fmt.Errorf("stat config: %w", err)
	}
	if info.IsDir() {
		return "", false, fmt.Errorf("config path %s is a directory", abs)
	}
	return abs, true, nil
}

func (c *Config) applyEnv() {
	if v := envString("DEVLOG_LLM_PROVIDER"); v != "" {
		c.LLM.Provider = v
	}
	if v := envString("DEVLOG_LLM_MODEL"); v != "" {
		c.LLM.Model = v
	}
	if v := envString("DEVLOG_DB_PATH"); v != "" {
		c.Storage.DBPath = v
	}
	if v := envString("DEVLOG_OUTPUT_DIR"); v != "" {
		c.Publish.OutputDir = v
	}
	if v := envString("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		c.Telemetry.OTLPEndpoint = v
	}
	if v := envString("DEVLOG_WEBHOOK_SECRET"); v != "" {
		c.Server.WebhookSecret = v
	}
	if v := envString("DEVLOG_MAX_INPUT_TOKENS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.LLM.MaxInputTokens = n
		}
	}
	if c.LLM.APIKey == "" {
		switch c.LLM.Provider {
		case "openai":
			c.LLM.APIKey = envString("OPENAI_API_KEY")
		default:
			c.LLM.APIKey = envString("ANTHROPIC_API_KEY")
		}
	}
}

func envString(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func (c *Config) Validate() error {
	switch c.LLM.Provider {
	case "anthropic", "openai":
	default:
		return fmt.Errorf("llm.provider must be anthropic or openai, got %q", c.LLM.Provider)
	}
	if strings.TrimSpace(c.LLM.Model) == "" {
		return errors.New("llm.model is required")
	}
	for name, v := range map[string]int{
		"llm.max_input_tokens":            c.LLM.MaxInputTokens,
		"llm.context_window":              c.LLM.ContextWindow,
		"llm.max_output_tokens":           c.LLM.MaxOutputTokens,
		"generation.outline_max_tokens":   c.Generation.OutlineMaxTokens,
		"generation.section_max_tokens":   c.Generation.SectionMaxTokens,
		"generation.expansion_max_tokens": c.Generation.ExpansionMaxTokens,
		"generation.min_section_words":    c.Generation.MinSectionWords,
		"generation.min_wrap_up_words":    c.Generation.MinWrapUpWords,
	} {
		if v <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if c.LLM.Timeout.Duration <= 0 {
		return errors.New("llm.timeout must be positive")
	}
	if c.Generation.ReducedClips > c.Generation.MaxClips || c.Generation.ReducedEvents > c.Generation.MaxEvents {
		return errors.New("generation reduced row caps must not exceed max caps")
	}
	return nil
}

// LoadVoicePrompt reads the optional voice prompt file. A missing file is not
// an error: ok is false and the prompt is empty.
func LoadVoicePrompt(path string) (string, bool, error) {
	if strings.TrimSpace(path) == "" {
		return "", false, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("read voice prompt: %w", err)
	}
	text := strings.TrimSpace(string(b))
	return text, text != "", nil
}

// CreateSample writes the embedded sample configuration to path.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
