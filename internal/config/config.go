// Package config provides configuration management for RelayGate.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"relaygate/internal/crypto"
	"relaygate/internal/domain"

	"github.com/BurntSushi/toml"
)

// encPrefix marks a config value as encrypted with the master passphrase.
const encPrefix = "enc:"

// Config is the root configuration structure.
type Config struct {
	Server     ServerConfig     `toml:"server"`
	Telemetry  TelemetryConfig  `toml:"telemetry"`
	Database   DatabaseConfig   `toml:"database"`
	Resilience ResilienceConfig `toml:"resilience"`
	Cache      CacheConfig      `toml:"cache"`
	Orchestra  OrchestraConfig  `toml:"orchestrator"`
	Fallback   FallbackConfig   `toml:"fallback"`
	Pipeline   PipelineConfig   `toml:"pipeline"`
	Providers  ProvidersConfig  `toml:"providers"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	HTTPPort       int           `toml:"http_port"`
	BindAddress    string        `toml:"bind_address"`
	ReadTimeout    time.Duration `toml:"read_timeout"`
	WriteTimeout   time.Duration `toml:"write_timeout"`
	MaxRequestSize int64         `toml:"max_request_size"`
}

// TelemetryConfig contains metrics and logging settings.
type TelemetryConfig struct {
	Enabled     bool   `toml:"enabled"`
	ServiceName string `toml:"service_name"`
	LogFormat   string `toml:"log_format"` // "json" or "text"
	LogLevel    string `toml:"log_level"`
}

// DatabaseConfig contains database settings.
type DatabaseConfig struct {
	Driver     string        `toml:"driver"` // "postgres" or "memory"
	DSN        string        `toml:"dsn"`
	Host       string        `toml:"host"`
	Port       int           `toml:"port"`
	User       string        `toml:"user"`
	Password   string        `toml:"password"`
	Database   string        `toml:"database"`
	SSLMode    string        `toml:"ssl_mode"`
	MaxConns   int           `toml:"max_conns"`
	MaxIdle    int           `toml:"max_idle"`
	ConnMaxAge time.Duration `toml:"conn_max_age"`
}

// GetDSN returns the DSN for the database.
func (d *DatabaseConfig) GetDSN() string {
	if d.DSN != "" {
		return d.DSN
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Database, d.SSLMode)
}

// ResilienceConfig contains circuit breaker and retry settings.
type ResilienceConfig struct {
	FailureThreshold     int `toml:"failure_threshold"`      // failures within window to open
	FailureWindowMinutes int `toml:"failure_window_minutes"` // trailing window length
	CooldownSeconds      int `toml:"cooldown_seconds"`       // open -> half_open delay
	MaxRetries           int `toml:"max_retries"`
}

// CacheConfig contains response cache settings. The store itself is
// TTL-agnostic; these are the TTLs callers choose per use case.
type CacheConfig struct {
	AnalysisTTLHours       int `toml:"analysis_ttl_hours"`
	DocumentTTLHours       int `toml:"document_ttl_hours"`
	CleanupIntervalMinutes int `toml:"cleanup_interval_minutes"`
}

// AnalysisTTL returns the TTL for derived analyses.
func (c CacheConfig) AnalysisTTL() time.Duration {
	return time.Duration(c.AnalysisTTLHours) * time.Hour
}

// DocumentTTL returns the TTL for raw document-extraction results.
func (c CacheConfig) DocumentTTL() time.Duration {
	return time.Duration(c.DocumentTTLHours) * time.Hour
}

// OrchestraConfig contains orchestrator settings.
type OrchestraConfig struct {
	MinContentLength int `toml:"min_content_length"` // below this, a 2xx body is rejected
}

// FallbackConfig names the two-tier chain providers.
type FallbackConfig struct {
	Primary   string `toml:"primary"`
	Secondary string `toml:"secondary"`
}

// PipelineConfig contains document extraction settings.
type PipelineConfig struct {
	MinEmbeddedTextLen   int      `toml:"min_embedded_text_len"` // below this, a PDF is treated as scanned
	OCRMinTextLen        int      `toml:"ocr_min_text_len"`
	OCRMinConfidence     float64  `toml:"ocr_min_confidence"`
	OCRBypassConfidence  float64  `toml:"ocr_bypass_confidence"` // at or above, skip the keyword check
	Keywords             []string `toml:"keywords"`              // domain vocabulary for OCR acceptance
	Pdftotext            string   `toml:"pdftotext"`
	Pdftoppm             string   `toml:"pdftoppm"`
	DPI                  int      `toml:"dpi"`
	MaxPages             int      `toml:"max_pages"`
	RasterizerURL        string   `toml:"rasterizer_url"` // HTTP rasterization fallback; empty disables
	RasterizerAPIKey     string   `toml:"rasterizer_api_key"`
	StructuringProviders []string `toml:"structuring_providers"` // completion providers for the structuring call
}

// ProvidersConfig contains provider-specific settings.
type ProvidersConfig struct {
	OpenAI       OpenAIConfig       `toml:"openai"`
	Anthropic    AnthropicConfig    `toml:"anthropic"`
	Bedrock      BedrockConfig      `toml:"bedrock"`
	OCRSpace     OCRSpaceConfig     `toml:"ocrspace"`
	GoogleVision GoogleVisionConfig `toml:"google_vision"`
}

// ProviderCommon holds the descriptor fields every provider shares.
type ProviderCommon struct {
	Enabled         bool    `toml:"enabled"`
	Priority        int     `toml:"priority"`
	Model           string  `toml:"model"`
	SupportsVision  bool    `toml:"supports_vision"`
	SupportsJSON    bool    `toml:"supports_json"`
	InputCostPer1M  float64 `toml:"input_cost_per_1m"`
	OutputCostPer1M float64 `toml:"output_cost_per_1m"`
	RateLimitRPM    int     `toml:"rate_limit_rpm"`
}

// OpenAIConfig contains OpenAI-compatible endpoint settings.
type OpenAIConfig struct {
	ProviderCommon
	APIKey  string `toml:"api_key"`
	BaseURL string `toml:"base_url"`
	OrgID   string `toml:"org_id"`
}

// AnthropicConfig contains Anthropic settings.
type AnthropicConfig struct {
	ProviderCommon
	APIKey  string `toml:"api_key"`
	BaseURL string `toml:"base_url"`
}

// BedrockConfig contains AWS Bedrock settings.
type BedrockConfig struct {
	ProviderCommon
	Region          string `toml:"region"`
	AccessKeyID     string `toml:"access_key_id"`
	SecretAccessKey string `toml:"secret_access_key"`
	Profile         string `toml:"profile"`
}

// OCRSpaceConfig contains OCR.space settings.
type OCRSpaceConfig struct {
	ProviderCommon
	APIKey  string `toml:"api_key"`
	BaseURL string `toml:"base_url"`
}

// GoogleVisionConfig contains Google Cloud Vision settings.
type GoogleVisionConfig struct {
	ProviderCommon
	APIKey  string `toml:"api_key"`
	BaseURL string `toml:"base_url"`
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort:       8080,
			BindAddress:    "0.0.0.0",
			ReadTimeout:    5 * time.Minute,
			WriteTimeout:   10 * time.Minute, // long streaming responses
			MaxRequestSize: 25 * 1024 * 1024, // documents can be large scans
		},
		Telemetry: TelemetryConfig{
			Enabled:     true,
			ServiceName: "relaygate",
			LogFormat:   "text",
			LogLevel:    "info",
		},
		Database: DatabaseConfig{
			Driver:     "postgres",
			Host:       "localhost",
			Port:       5432,
			User:       "postgres",
			Password:   "postgres",
			Database:   "relaygate",
			SSLMode:    "disable",
			MaxConns:   20,
			MaxIdle:    5,
			ConnMaxAge: 30 * time.Minute,
		},
		Resilience: ResilienceConfig{
			FailureThreshold:     5,
			FailureWindowMinutes: 5,
			CooldownSeconds:      60,
			MaxRetries:           3,
		},
		Cache: CacheConfig{
			AnalysisTTLHours:       72,
			DocumentTTLHours:       168,
			CleanupIntervalMinutes: 60,
		},
		Orchestra: OrchestraConfig{
			MinContentLength: 10,
		},
		Fallback: FallbackConfig{
			Primary:   "openai",
			Secondary: "anthropic",
		},
		Pipeline: PipelineConfig{
			MinEmbeddedTextLen:  200,
			OCRMinTextLen:       40,
			OCRMinConfidence:    0.5,
			OCRBypassConfidence: 0.9,
			Keywords: []string{
				"hemoglobin", "hematocrit", "glucose", "leukocytes", "platelets",
				"cholesterol", "triglycerides", "creatinine", "urea", "reference",
				"result", "laboratory", "exam", "patient",
			},
			Pdftotext:            "pdftotext",
			Pdftoppm:             "pdftoppm",
			DPI:                  300,
			MaxPages:             20,
			StructuringProviders: []string{"openai", "anthropic"},
		},
		Providers: ProvidersConfig{
			OpenAI: OpenAIConfig{
				ProviderCommon: ProviderCommon{
					Priority: 1, Model: "gpt-4o-mini",
					SupportsVision: true, SupportsJSON: true,
					InputCostPer1M: 0.15, OutputCostPer1M: 0.6,
				},
				BaseURL: "https://api.openai.com/v1",
			},
			Anthropic: AnthropicConfig{
				ProviderCommon: ProviderCommon{
					Priority: 2, Model: "claude-3-5-haiku-20241022",
					SupportsVision: true, SupportsJSON: false,
					InputCostPer1M: 0.8, OutputCostPer1M: 4.0,
				},
				BaseURL: "https://api.anthropic.com/v1",
			},
			Bedrock: BedrockConfig{
				ProviderCommon: ProviderCommon{
					Priority: 3, Model: "anthropic.claude-3-5-haiku-20241022-v1:0",
					SupportsVision: false, SupportsJSON: false,
					InputCostPer1M: 0.8, OutputCostPer1M: 4.0,
				},
				Region: "us-east-1",
			},
			OCRSpace: OCRSpaceConfig{
				ProviderCommon: ProviderCommon{Priority: 1},
				BaseURL:        "https://api.ocr.space/parse/image",
			},
			GoogleVision: GoogleVisionConfig{
				ProviderCommon: ProviderCommon{Priority: 2},
				BaseURL:        "https://vision.googleapis.com/v1/images:annotate",
			},
		},
	}
}

// Load loads configuration from a file, applying defaults, environment
// substitution, and secret decryption.
func Load(path string) (*Config, error) {
	cfg := Default()

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		if os.IsNotExist(err) {
			cfg.substituteEnvVars()
			return cfg, cfg.decryptSecrets()
		}
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.substituteEnvVars()
	if err := cfg.decryptSecrets(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault loads config from file or returns defaults.
func LoadOrDefault(path string) *Config {
	if path == "" {
		cfg := Default()
		cfg.substituteEnvVars()
		return cfg
	}

	cfg, err := Load(path)
	if err != nil {
		fmt.Printf("Warning: failed to load config from %s: %v\n", path, err)
		return Default()
	}
	return cfg
}

// substituteEnvVars expands ${VAR} patterns and applies RELAYGATE_* overrides.
func (c *Config) substituteEnvVars() {
	c.Database.DSN = expandEnv(c.Database.DSN)
	c.Database.Host = expandEnv(c.Database.Host)
	c.Database.User = expandEnv(c.Database.User)
	c.Database.Password = expandEnv(c.Database.Password)

	c.Providers.OpenAI.APIKey = expandEnv(c.Providers.OpenAI.APIKey)
	c.Providers.Anthropic.APIKey = expandEnv(c.Providers.Anthropic.APIKey)
	c.Providers.Bedrock.AccessKeyID = expandEnv(c.Providers.Bedrock.AccessKeyID)
	c.Providers.Bedrock.SecretAccessKey = expandEnv(c.Providers.Bedrock.SecretAccessKey)
	c.Providers.OCRSpace.APIKey = expandEnv(c.Providers.OCRSpace.APIKey)
	c.Providers.GoogleVision.APIKey = expandEnv(c.Providers.GoogleVision.APIKey)
	c.Pipeline.RasterizerAPIKey = expandEnv(c.Pipeline.RasterizerAPIKey)

	if v := os.Getenv("RELAYGATE_DB_DRIVER"); v != "" {
		c.Database.Driver = v
	}
	if v := os.Getenv("RELAYGATE_DB_HOST"); v != "" {
		c.Database.Host = v
	}
	if v := os.Getenv("RELAYGATE_DB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Database.Port = port
		}
	}
	if v := os.Getenv("RELAYGATE_DB_USER"); v != "" {
		c.Database.User = v
	}
	if v := os.Getenv("RELAYGATE_DB_PASSWORD"); v != "" {
		c.Database.Password = v
	}
	if v := os.Getenv("RELAYGATE_DB_NAME"); v != "" {
		c.Database.Database = v
	}
	if v := os.Getenv("RELAYGATE_HTTP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.HTTPPort = port
		}
	}
	if v := os.Getenv("RELAYGATE_OPENAI_API_KEY"); v != "" {
		c.Providers.OpenAI.APIKey = v
	}
	if v := os.Getenv("RELAYGATE_ANTHROPIC_API_KEY"); v != "" {
		c.Providers.Anthropic.APIKey = v
	}
	if v := os.Getenv("RELAYGATE_OCRSPACE_API_KEY"); v != "" {
		c.Providers.OCRSpace.APIKey = v
	}
	if v := os.Getenv("RELAYGATE_GOOGLE_VISION_API_KEY"); v != "" {
		c.Providers.GoogleVision.APIKey = v
	}
}

// decryptSecrets resolves enc:-prefixed values using the master passphrase
// from RELAYGATE_MASTER_KEY. Plain values pass through untouched.
func (c *Config) decryptSecrets() error {
	secrets := []*string{
		&c.Providers.OpenAI.APIKey,
		&c.Providers.Anthropic.APIKey,
		&c.Providers.Bedrock.SecretAccessKey,
		&c.Providers.OCRSpace.APIKey,
		&c.Providers.GoogleVision.APIKey,
		&c.Pipeline.RasterizerAPIKey,
		&c.Database.Password,
	}

	var svc *crypto.Service
	for _, s := range secrets {
		if !strings.HasPrefix(*s, encPrefix) {
			continue
		}
		if svc == nil {
			var err error
			svc, err = crypto.NewService(os.Getenv("RELAYGATE_MASTER_KEY"))
			if err != nil {
				return fmt.Errorf("encrypted config values present but master key unusable: %w", err)
			}
		}
		plain, err := svc.Decrypt(strings.TrimPrefix(*s, encPrefix))
		if err != nil {
			return fmt.Errorf("decrypting config secret: %w", err)
		}
		*s = plain
	}
	return nil
}

// expandEnv expands ${VAR} or $VAR patterns.
func expandEnv(s string) string {
	if s == "" {
		return s
	}
	return os.ExpandEnv(s)
}

// Descriptors builds the immutable provider table. Call once at startup and
// share by reference; mutation at runtime would corrupt concurrent
// orchestration decisions.
func (c *Config) Descriptors() []domain.ProviderDescriptor {
	p := c.Providers
	return []domain.ProviderDescriptor{
		{
			Name: domain.ProviderOpenAI, Kind: domain.KindCompletion,
			Enabled: p.OpenAI.Enabled && p.OpenAI.APIKey != "", Priority: p.OpenAI.Priority,
			Model:          p.OpenAI.Model,
			SupportsVision: p.OpenAI.SupportsVision, SupportsJSON: p.OpenAI.SupportsJSON,
			InputCostPer1M: p.OpenAI.InputCostPer1M, OutputCostPer1M: p.OpenAI.OutputCostPer1M,
			RateLimitRPM: p.OpenAI.RateLimitRPM,
		},
		{
			Name: domain.ProviderAnthropic, Kind: domain.KindCompletion,
			Enabled: p.Anthropic.Enabled && p.Anthropic.APIKey != "", Priority: p.Anthropic.Priority,
			Model:          p.Anthropic.Model,
			SupportsVision: p.Anthropic.SupportsVision, SupportsJSON: p.Anthropic.SupportsJSON,
			InputCostPer1M: p.Anthropic.InputCostPer1M, OutputCostPer1M: p.Anthropic.OutputCostPer1M,
			RateLimitRPM: p.Anthropic.RateLimitRPM,
		},
		{
			Name: domain.ProviderBedrock, Kind: domain.KindCompletion,
			Enabled: p.Bedrock.Enabled, Priority: p.Bedrock.Priority,
			Model:          p.Bedrock.Model,
			SupportsVision: p.Bedrock.SupportsVision, SupportsJSON: p.Bedrock.SupportsJSON,
			InputCostPer1M: p.Bedrock.InputCostPer1M, OutputCostPer1M: p.Bedrock.OutputCostPer1M,
			RateLimitRPM: p.Bedrock.RateLimitRPM,
		},
		{
			Name: domain.ProviderOCRSpace, Kind: domain.KindOCR,
			Enabled: p.OCRSpace.Enabled && p.OCRSpace.APIKey != "", Priority: p.OCRSpace.Priority,
		},
		{
			Name: domain.ProviderGoogleVision, Kind: domain.KindOCR,
			Enabled: p.GoogleVision.Enabled && p.GoogleVision.APIKey != "", Priority: p.GoogleVision.Priority,
		},
	}
}
