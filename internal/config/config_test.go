package config

import (
	"os"
	"path/filepath"
	"testing"

	"relaygate/internal/crypto"
	"relaygate/internal/domain"
)

func TestLoadOverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "relaygate.toml")
	content := `
[server]
http_port = 9090

[providers.openai]
api_key = "sk-test"
enabled = true
priority = 7
model = "gpt-4o"
supports_vision = true
supports_json = true

[providers.ocrspace]
api_key = "ocr-key"
enabled = true
priority = 1
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.HTTPPort != 9090 {
		t.Errorf("HTTPPort = %d, want 9090", cfg.Server.HTTPPort)
	}
	// untouched sections keep defaults
	if cfg.Resilience.FailureThreshold != 5 {
		t.Errorf("FailureThreshold = %d, want default 5", cfg.Resilience.FailureThreshold)
	}
	if cfg.Cache.AnalysisTTLHours != 72 || cfg.Cache.DocumentTTLHours != 168 {
		t.Errorf("cache TTLs = %d/%d, want 72/168", cfg.Cache.AnalysisTTLHours, cfg.Cache.DocumentTTLHours)
	}
	if cfg.Providers.OpenAI.Model != "gpt-4o" {
		t.Errorf("OpenAI model = %q", cfg.Providers.OpenAI.Model)
	}
}

func TestEnvSubstitution(t *testing.T) {
	t.Setenv("TEST_RELAY_KEY", "expanded-secret")
	t.Setenv("RELAYGATE_DB_HOST", "db.internal")

	cfg := Default()
	cfg.Providers.Anthropic.APIKey = "${TEST_RELAY_KEY}"
	cfg.substituteEnvVars()

	if cfg.Providers.Anthropic.APIKey != "expanded-secret" {
		t.Errorf("APIKey = %q, want expanded value", cfg.Providers.Anthropic.APIKey)
	}
	if cfg.Database.Host != "db.internal" {
		t.Errorf("DB host = %q, want override from env", cfg.Database.Host)
	}
}

func TestDecryptSecrets(t *testing.T) {
	t.Setenv("RELAYGATE_MASTER_KEY", "unit-test-master")
	svc, err := crypto.NewService("unit-test-master")
	if err != nil {
		t.Fatal(err)
	}
	enc, err := svc.Encrypt("sk-plain")
	if err != nil {
		t.Fatal(err)
	}

	cfg := Default()
	cfg.Providers.OpenAI.APIKey = encPrefix + enc
	cfg.Providers.Anthropic.APIKey = "sk-already-plain"

	if err := cfg.decryptSecrets(); err != nil {
		t.Fatalf("decryptSecrets: %v", err)
	}
	if cfg.Providers.OpenAI.APIKey != "sk-plain" {
		t.Errorf("OpenAI key = %q, want decrypted", cfg.Providers.OpenAI.APIKey)
	}
	if cfg.Providers.Anthropic.APIKey != "sk-already-plain" {
		t.Errorf("plain key was modified: %q", cfg.Providers.Anthropic.APIKey)
	}
}

func TestDecryptSecretsMissingMasterKey(t *testing.T) {
	t.Setenv("RELAYGATE_MASTER_KEY", "")
	cfg := Default()
	cfg.Providers.OpenAI.APIKey = encPrefix + "AAAA"
	if err := cfg.decryptSecrets(); err == nil {
		t.Error("expected error when master key is missing")
	}
}

func TestDescriptors(t *testing.T) {
	cfg := Default()
	cfg.Providers.OpenAI.Enabled = true
	cfg.Providers.OpenAI.APIKey = "sk-x"
	cfg.Providers.Anthropic.Enabled = true // no key: must stay disabled

	descs := cfg.Descriptors()
	byName := map[domain.Provider]domain.ProviderDescriptor{}
	for _, d := range descs {
		byName[d.Name] = d
	}

	if !byName[domain.ProviderOpenAI].Enabled {
		t.Error("openai should be enabled with key present")
	}
	if byName[domain.ProviderAnthropic].Enabled {
		t.Error("anthropic should be disabled without an api key")
	}
	if byName[domain.ProviderOCRSpace].Kind != domain.KindOCR {
		t.Errorf("ocrspace kind = %q", byName[domain.ProviderOCRSpace].Kind)
	}
	if byName[domain.ProviderOpenAI].Kind != domain.KindCompletion {
		t.Errorf("openai kind = %q", byName[domain.ProviderOpenAI].Kind)
	}
}
