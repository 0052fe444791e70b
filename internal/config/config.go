// Package config resolves provider, model, and daemon settings from the
// environment and an optional .env file.
//
// Lookup order is environment variables first, then the .env values. The
// .env file is searched in the executable's directory and the process
// working directory, with the working directory taking precedence. Values
// are loaded once and cached for the lifetime of the process.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/joho/godotenv"
)

// Provider identifiers accepted by the daemon.
const (
	ProviderGemini = "gemini"
	ProviderKimi   = "kimi"
)

const (
	DefaultProvider    = ProviderGemini
	DefaultGeminiModel = "gemini-2.5-flash"
	DefaultKimiModel   = "kimi-k2-turbo-preview"
	DefaultKimiBaseURL = "https://api.moonshot.cn/v1"
	DefaultHost        = "127.0.0.1"
	DefaultPort        = 8765
)

var (
	dotenvOnce   sync.Once
	dotenvValues map[string]string
)

// providerAliases maps legacy provider names onto the canonical ones.
var providerAliases = map[string]string{
	"moonshot":          ProviderKimi,
	"openai_compat":     ProviderKimi,
	"openai-compatible": ProviderKimi,
}

func loadDotenv() map[string]string {
	dotenvOnce.Do(func() {
		merged := map[string]string{}
		var bases []string
		if exe, err := os.Executable(); err == nil {
			bases = append(bases, filepath.Dir(exe))
		}
		if cwd, err := os.Getwd(); err == nil {
			bases = append(bases, cwd)
		}
		for _, base := range bases {
			path := filepath.Join(base, ".env")
			values, err := godotenv.Read(path)
			if err != nil {
				continue
			}
			for key, value := range values {
				if key != "" && value != "" {
					merged[key] = value
				}
			}
		}
		dotenvValues = merged
	})
	return dotenvValues
}

// lookup returns the first non-empty value among keys, consulting the
// environment before the cached .env values.
func lookup(keys ...string) string {
	for _, key := range keys {
		if value := strings.TrimSpace(os.Getenv(key)); value != "" {
			return value
		}
	}
	dotenv := loadDotenv()
	for _, key := range keys {
		if value := strings.TrimSpace(dotenv[key]); value != "" {
			return value
		}
	}
	return ""
}

// NormalizeProvider canonicalizes a provider name, resolving aliases.
func NormalizeProvider(raw string) (string, error) {
	provider := strings.ToLower(strings.TrimSpace(raw))
	if canonical, ok := providerAliases[provider]; ok {
		provider = canonical
	}
	switch provider {
	case ProviderGemini, ProviderKimi:
		return provider, nil
	}
	return "", fmt.Errorf("不支持的 LLM_PROVIDER: %s，可选值：%s, %s", provider, ProviderGemini, ProviderKimi)
}

// Provider returns the configured LLM provider, defaulting to gemini.
func Provider() (string, error) {
	raw := lookup("LLM_PROVIDER")
	if raw == "" {
		raw = DefaultProvider
	}
	return NormalizeProvider(raw)
}

// ModelID returns the model identifier for the given provider.
func ModelID(provider string) (string, error) {
	switch provider {
	case ProviderGemini:
		if value := lookup("GEMINI_MODEL_ID", "LLM_MODEL_ID"); value != "" {
			return value, nil
		}
		return DefaultGeminiModel, nil
	case ProviderKimi:
		if value := lookup("KIMI_MODEL_ID", "LLM_MODEL_ID"); value != "" {
			return value, nil
		}
		return DefaultKimiModel, nil
	}
	return "", fmt.Errorf("未知厂商：%s", provider)
}

// APIKey returns the API key for the given provider.
func APIKey(provider string) (string, error) {
	switch provider {
	case ProviderGemini:
		if key := lookup("GEMINI_API_KEY"); key != "" {
			return key, nil
		}
		return "", fmt.Errorf("未找到 GEMINI_API_KEY。请设置环境变量 GEMINI_API_KEY，或在 .env 中写入 GEMINI_API_KEY=your_key")
	case ProviderKimi:
		if key := lookup("MOONSHOT_API_KEY", "KIMI_API_KEY", "OPENAI_API_KEY"); key != "" {
			return key, nil
		}
		return "", fmt.Errorf("未找到 Kimi API Key。请设置 MOONSHOT_API_KEY（推荐），或 KIMI_API_KEY / OPENAI_API_KEY")
	}
	return "", fmt.Errorf("未知厂商：%s", provider)
}

// KimiBaseURL returns the OpenAI-compatible endpoint for the kimi provider.
func KimiBaseURL() string {
	if value := lookup("KIMI_BASE_URL", "OPENAI_BASE_URL"); value != "" {
		return value
	}
	return DefaultKimiBaseURL
}

// Host returns the daemon listen host.
func Host() string {
	if value := lookup("AGENTD_HOST"); value != "" {
		return value
	}
	return DefaultHost
}

// Port returns the daemon listen port. Out-of-range or unparseable values
// fall back to the default.
func Port() int {
	raw := lookup("AGENTD_PORT")
	if raw == "" {
		return DefaultPort
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return DefaultPort
	}
	if value <= 0 || value > 65535 {
		return DefaultPort
	}
	return value
}

// Token returns the shared auth token, or "" when auth is disabled.
func Token() string {
	return lookup("AGENTD_TOKEN")
}

// OTLPEndpoint returns the OTLP gRPC collector endpoint for tracing, or
// "" when tracing is disabled.
func OTLPEndpoint() string {
	return lookup("AGENTD_OTLP_ENDPOINT")
}

// OTLPInsecure reports whether the OTLP connection should skip TLS
// (local collectors).
func OTLPInsecure() bool {
	switch strings.ToLower(lookup("AGENTD_OTLP_INSECURE")) {
	case "1", "true", "yes":
		return true
	}
	return false
}
