package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"slices"

	"github.com/MrWong99/loquora/internal/tool/mcptool"
	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":      {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"stt":      {"deepgram"},
	"tts":      {"elevenlabs", "coqui"},
	"realtime": {"openai-realtime"},
}

// envVarPattern matches ${NAME} placeholders. Bare $NAME is deliberately left
// alone so YAML values containing dollar signs survive expansion.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// ${ENV_VAR} placeholders anywhere in the document are expanded before
// decoding, so secrets can stay out of the file itself.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	raw = expandEnv(raw)

	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// expandEnv substitutes ${NAME} placeholders with the value of the
// corresponding environment variable. Undefined variables expand to the
// empty string and log a warning.
func expandEnv(raw []byte) []byte {
	return envVarPattern.ReplaceAllFunc(raw, func(match []byte) []byte {
		name := string(envVarPattern.FindSubmatch(match)[1])
		val, ok := os.LookupEnv(name)
		if !ok {
			slog.Warn("config references an undefined environment variable", "name", name)
		}
		return []byte(val)
	})
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.LogFormat != "" && !cfg.Server.LogFormat.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_format %q is invalid; valid values: text, json", cfg.Server.LogFormat))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Scenario
	if cfg.Scenario.Path == "" {
		errs = append(errs, errors.New("scenario.path is required"))
	}
	if cfg.Scenario.WatchIntervalMS < 0 {
		errs = append(errs, errors.New("scenario.watch_interval_ms must not be negative"))
	}

	// Provider names and fallback chains. Unknown names only warn.
	chains := []struct {
		kind  string
		entry ProviderEntry
	}{
		{"llm", cfg.Providers.LLM},
		{"stt", cfg.Providers.STT},
		{"tts", cfg.Providers.TTS},
		{"realtime", cfg.Providers.Realtime},
	}
	for _, chain := range chains {
		kind := chain.kind
		validateProviderName(kind, chain.entry.Name)
		for i, fb := range chain.entry.Fallbacks {
			prefix := fmt.Sprintf("providers.%s.fallbacks[%d]", kind, i)
			if fb.Name == "" {
				errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			} else {
				validateProviderName(kind, fb.Name)
			}
			if len(fb.Fallbacks) > 0 {
				errs = append(errs, fmt.Errorf("%s must not declare nested fallbacks", prefix))
			}
		}
	}

	// Provider availability warnings
	if cfg.Providers.LLM.Name == "" && cfg.Providers.Realtime.Name == "" {
		slog.Warn("no LLM or realtime provider configured; agents will not be able to generate responses")
	}
	if cfg.Providers.STT.Name == "" && cfg.Providers.Realtime.Name == "" {
		slog.Warn("no STT provider configured; caller audio will not be transcribed")
	}

	// Speech
	if cfg.Speech.SilenceTimeoutMS < 0 {
		errs = append(errs, errors.New("speech.silence_timeout_ms must not be negative"))
	}

	// Turn engine
	if cfg.Turn.MinChunk < 0 || cfg.Turn.MaxChunk < 0 {
		errs = append(errs, errors.New("turn.min_chunk and turn.max_chunk must not be negative"))
	}
	if cfg.Turn.MinChunk > 0 && cfg.Turn.MaxChunk > 0 && cfg.Turn.MaxChunk < cfg.Turn.MinChunk {
		errs = append(errs, fmt.Errorf("turn.max_chunk %d is smaller than turn.min_chunk %d", cfg.Turn.MaxChunk, cfg.Turn.MinChunk))
	}
	if cfg.Turn.QueueSize < 0 {
		errs = append(errs, errors.New("turn.queue_size must not be negative"))
	}
	if cfg.Turn.DTMFTimeoutMS < 0 {
		errs = append(errs, errors.New("turn.dtmf_timeout_ms must not be negative"))
	}

	// Pools
	if cfg.Pools.STT < 0 || cfg.Pools.TTS < 0 {
		errs = append(errs, errors.New("pools.stt and pools.tts must not be negative"))
	}

	// Memory
	switch cfg.Memory.Backend {
	case "":
		slog.Warn("memory.backend is empty; session state will not survive disconnects")
	case MemoryNone:
	case MemoryPostgres:
		if cfg.Memory.PostgresDSN == "" {
			errs = append(errs, errors.New("memory.postgres_dsn is required when memory.backend is postgres"))
		}
	case MemoryRedis:
		if cfg.Memory.RedisAddr == "" {
			errs = append(errs, errors.New("memory.redis_addr is required when memory.backend is redis"))
		}
	default:
		errs = append(errs, fmt.Errorf("memory.backend %q is invalid; valid values: postgres, redis, none", cfg.Memory.Backend))
	}
	if cfg.Memory.FlushIntervalMS < 0 {
		errs = append(errs, errors.New("memory.flush_interval_ms must not be negative"))
	}
	if cfg.Memory.ContextTTLMinutes < 0 {
		errs = append(errs, errors.New("memory.context_ttl_minutes must not be negative"))
	}

	// MCP servers
	mcpNamesSeen := make(map[string]int, len(cfg.MCP.Servers))
	for i, srv := range cfg.MCP.Servers {
		prefix := fmt.Sprintf("mcp.servers[%d]", i)
		if srv.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			if prev, ok := mcpNamesSeen[srv.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of mcp.servers[%d]", prefix, srv.Name, prev))
			}
			mcpNamesSeen[srv.Name] = i
		}
		if srv.Transport != "" && !srv.Transport.IsValid() {
			errs = append(errs, fmt.Errorf("%s.transport %q is invalid; valid values: stdio, streamable-http", prefix, srv.Transport))
		}
		if srv.Transport == mcptool.TransportStdio && srv.Command == "" {
			errs = append(errs, fmt.Errorf("%s.command is required when transport is stdio", prefix))
		}
		if srv.Transport == mcptool.TransportStreamableHTTP && srv.URL == "" {
			errs = append(errs, fmt.Errorf("%s.url is required when transport is streamable-http", prefix))
		}
	}

	// Resilience
	if cfg.Resilience.FailureThreshold < 0 || cfg.Resilience.ResetTimeoutMS < 0 || cfg.Resilience.HalfOpenMax < 0 {
		errs = append(errs, errors.New("resilience values must not be negative"))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name; may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
