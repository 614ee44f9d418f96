package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// ErrMissingRequired is returned when a feature is used without its settings.
var ErrMissingRequired = errors.New("missing required configuration")

type Config struct {
	DataDir        string `toml:"data_dir"`
	DBPath         string `toml:"db_path"`
	UserCrewDir    string `toml:"user_crew_dir"`
	ProjectCrewDir string `toml:"project_crew_dir"`

	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`

	Model            string `toml:"model"`
	MaxTokens        int64  `toml:"max_tokens"`
	AnthropicAPIKey  string `toml:"-"`
	AnthropicBaseURL string `toml:"anthropic_base_url"`

	EmbeddingProvider   string `toml:"embedding_provider"` // "openai" or "hashing"
	EmbeddingModel      string `toml:"embedding_model"`
	EmbeddingDimensions int    `toml:"embedding_dimensions"`
	OpenAIAPIKey        string `toml:"-"`
	OpenAIBaseURL       string `toml:"openai_base_url"`

	SerperAPIKey    string `toml:"-"`
	SerperURL       string `toml:"serper_url"`
	TavilyAPIKey    string `toml:"-"`
	TavilyURL       string `toml:"tavily_url"`
	WikipediaURL    string `toml:"wikipedia_url"`
	SearchCacheSize int    `toml:"search_cache_size"`

	VectorBackend    string `toml:"vector_backend"` // "chromem" or "postgres"
	VectorCollection string `toml:"vector_collection"`
	DatabaseURL      string `toml:"-"`

	N8NBaseURL  string   `toml:"n8n_base_url"`
	IngestRate  float64  `toml:"ingest_rate"` // requests per second
	HTTPTimeout Duration `toml:"http_timeout"`

	MaxTurns    int `toml:"max_turns"`
	MaxAnalysts int `toml:"max_analysts"`
	Parallelism int `toml:"parallelism"`
}

// Duration decodes "30s"-style strings from TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// Load builds the configuration from defaults, an optional TOML file,
// a .env file in the working directory and the process environment, in
// increasing precedence. configPath may be empty.
func Load(configPath string) (*Config, error) {
	dotenv, err := godotenv.Read(".env")
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read .env: %w", err)
	}

	lookup := func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
		v, ok := dotenv[key]
		return v, ok
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}

	return load(configPath, homeDir, lookup)
}

func load(configPath, homeDir string, lookup func(string) (string, bool)) (*Config, error) {
	env := envReader{lookup: lookup}

	dataDir := env.str("CREW_DATA_DIR", filepath.Join(homeDir, ".crew"))
	c := defaults(dataDir)

	if configPath == "" {
		configPath = env.str("CREW_CONFIG", filepath.Join(dataDir, "crew.toml"))
	}
	if _, err := os.Stat(configPath); err == nil {
		if _, err := toml.DecodeFile(configPath, c); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", configPath, err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to stat %s: %w", configPath, err)
	}

	c.DataDir = env.str("CREW_DATA_DIR", c.DataDir)
	c.DBPath = env.str("CREW_DB_PATH", c.DBPath)
	c.LogLevel = env.str("CREW_LOG_LEVEL", c.LogLevel)
	c.LogFormat = env.str("CREW_LOG_FORMAT", c.LogFormat)
	c.Model = env.str("CREW_MODEL", c.Model)
	c.AnthropicAPIKey = env.str("ANTHROPIC_API_KEY", c.AnthropicAPIKey)
	c.AnthropicBaseURL = env.str("ANTHROPIC_BASE_URL", c.AnthropicBaseURL)
	c.EmbeddingProvider = env.str("CREW_EMBEDDING_PROVIDER", c.EmbeddingProvider)
	c.EmbeddingModel = env.str("CREW_EMBEDDING_MODEL", c.EmbeddingModel)
	c.OpenAIAPIKey = env.str("OPENAI_API_KEY", c.OpenAIAPIKey)
	c.SerperAPIKey = env.str("SERPER_API_KEY", c.SerperAPIKey)
	c.TavilyAPIKey = env.str("TAVILY_API_KEY", c.TavilyAPIKey)
	c.VectorBackend = env.str("CREW_VECTOR_BACKEND", c.VectorBackend)
	c.DatabaseURL = env.str("DATABASE_URL", c.DatabaseURL)
	c.N8NBaseURL = env.str("CREW_N8N_BASE_URL", c.N8NBaseURL)

	// Paths derived from the data directory unless set explicitly.
	if c.DBPath == "" {
		c.DBPath = filepath.Join(c.DataDir, "crew.db")
	}
	if c.UserCrewDir == "" {
		c.UserCrewDir = filepath.Join(c.DataDir, "crews")
	}

	var err error
	if c.MaxTokens, err = env.int64("CREW_MAX_TOKENS", c.MaxTokens); err != nil {
		return nil, err
	}
	if c.MaxTurns, err = env.int("CREW_MAX_TURNS", c.MaxTurns); err != nil {
		return nil, err
	}
	if c.MaxAnalysts, err = env.int("CREW_MAX_ANALYSTS", c.MaxAnalysts); err != nil {
		return nil, err
	}
	if c.Parallelism, err = env.int("CREW_PARALLELISM", c.Parallelism); err != nil {
		return nil, err
	}
	if c.HTTPTimeout.Duration, err = env.duration("CREW_HTTP_TIMEOUT", c.HTTPTimeout.Duration); err != nil {
		return nil, err
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func defaults(dataDir string) *Config {
	return &Config{
		DataDir:             dataDir,
		ProjectCrewDir:      ".crew/crews",
		LogLevel:            "info",
		LogFormat:           "text",
		Model:               "claude-sonnet-4-20250514",
		MaxTokens:           4096,
		EmbeddingProvider:   "openai",
		EmbeddingModel:      "text-embedding-3-small",
		EmbeddingDimensions: 1536,
		OpenAIBaseURL:       "https://api.openai.com/v1",
		SerperURL:           "https://google.serper.dev/search",
		TavilyURL:           "https://api.tavily.com/search",
		WikipediaURL:        "https://en.wikipedia.org/w/api.php",
		SearchCacheSize:     256,
		VectorBackend:       "chromem",
		VectorCollection:    "n8n_workflows",
		N8NBaseURL:          "https://api.n8n.io",
		IngestRate:          1,
		HTTPTimeout:         Duration{30 * time.Second},
		MaxTurns:            2,
		MaxAnalysts:         3,
		Parallelism:         3,
	}
}

// Validate checks settings every command depends on.
func (c *Config) Validate() error {
	var errs []error
	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir must not be empty"))
	}
	if c.MaxTokens <= 0 {
		errs = append(errs, fmt.Errorf("max_tokens must be positive, got %d", c.MaxTokens))
	}
	if c.MaxTurns <= 0 {
		errs = append(errs, fmt.Errorf("max_turns must be positive, got %d", c.MaxTurns))
	}
	if c.MaxAnalysts <= 0 {
		errs = append(errs, fmt.Errorf("max_analysts must be positive, got %d", c.MaxAnalysts))
	}
	if c.Parallelism <= 0 {
		errs = append(errs, fmt.Errorf("parallelism must be positive, got %d", c.Parallelism))
	}
	if c.IngestRate <= 0 {
		errs = append(errs, fmt.Errorf("ingest_rate must be positive, got %v", c.IngestRate))
	}
	switch c.VectorBackend {
	case "chromem", "postgres":
	default:
		errs = append(errs, fmt.Errorf("unknown vector_backend %q", c.VectorBackend))
	}
	switch c.EmbeddingProvider {
	case "openai", "hashing":
	default:
		errs = append(errs, fmt.Errorf("unknown embedding_provider %q", c.EmbeddingProvider))
	}
	switch strings.ToLower(strings.TrimSpace(c.LogLevel)) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("unknown log_level %q", c.LogLevel))
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log_format %q", c.LogFormat))
	}
	return errors.Join(errs...)
}

// Feature names a capability with its own required settings.
type Feature string

const (
	FeatureReasoning  Feature = "reasoning"
	FeatureWebSearch  Feature = "web_search"
	FeatureEmbeddings Feature = "embeddings"
	FeatureVectors    Feature = "vectors"
)

// Require reports which settings are missing for the given features.
func (c *Config) Require(features ...Feature) error {
	var missing []string
	for _, f := range features {
		switch f {
		case FeatureReasoning:
			if c.AnthropicAPIKey == "" {
				missing = append(missing, "ANTHROPIC_API_KEY")
			}
		case FeatureWebSearch:
			if c.SerperAPIKey == "" && c.TavilyAPIKey == "" {
				missing = append(missing, "SERPER_API_KEY or TAVILY_API_KEY")
			}
		case FeatureEmbeddings:
			if c.EmbeddingProvider == "openai" && c.OpenAIAPIKey == "" {
				missing = append(missing, "OPENAI_API_KEY")
			}
		case FeatureVectors:
			if c.VectorBackend == "postgres" && c.DatabaseURL == "" {
				missing = append(missing, "DATABASE_URL")
			}
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingRequired, strings.Join(missing, ", "))
	}
	return nil
}

func (c *Config) EnsureDataDir() error {
	if err := os.MkdirAll(c.DataDir, 0755); err != nil {
		return err
	}
	if err := os.MkdirAll(c.UserCrewDir, 0755); err != nil {
		return err
	}
	return nil
}

func (c *Config) WorkspacesDir() string {
	return filepath.Join(c.DataDir, "workspaces")
}

func (c *Config) VectorsDir() string {
	return filepath.Join(c.DataDir, "vectors")
}

// CrewDirs lists crew search directories, project first.
func (c *Config) CrewDirs() []string {
	return []string{c.ProjectCrewDir, c.UserCrewDir}
}

type envReader struct {
	lookup func(string) (string, bool)
}

func (e envReader) str(key, defaultValue string) string {
	if value, exists := e.lookup(key); exists && value != "" {
		return value
	}
	return defaultValue
}

func (e envReader) int(key string, defaultValue int) (int, error) {
	value, exists := e.lookup(key)
	if !exists || value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func (e envReader) int64(key string, defaultValue int64) (int64, error) {
	value, exists := e.lookup(key)
	if !exists || value == "" {
		return defaultValue, nil
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func (e envReader) duration(key string, defaultValue time.Duration) (time.Duration, error) {
	value, exists := e.lookup(key)
	if !exists || value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
