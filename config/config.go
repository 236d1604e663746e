// Package config loads the routing core's input configuration: the
// `providers` / `virtualModels` JSON structure. It is intentionally
// small; a config-editing surface belongs to a separate process speaking
// the same data model. Server settings resolve with three-layer
// precedence: defaults, then environment, then the explicit file value.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// RawCredential is one entry of a provider's "api_key" field: either an
// inline secret or a filesystem path read at load time. A single string
// is accepted as shorthand for a one-element array.
type RawCredential struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Weight int    `json:"weight"`
}

// ProviderConfig is one `providers[]` entry as read from JSON.
type ProviderConfig struct {
	ProviderID string            `json:"provider_id"`
	Protocol   string            `json:"protocol"`
	Alias      string            `json:"alias"`
	BaseURL    string            `json:"base_url"`
	Headers    map[string]string `json:"headers"`
	APIKey     json.RawMessage   `json:"api_key"` // string, []string, or []RawCredential
	Models     []ModelConfig     `json:"models"`
}

// ModelConfig is one declared model under a provider.
type ModelConfig struct {
	ModelID           string `json:"model_id"`
	DeclaredMaxTokens int    `json:"declared_max_tokens"`
}

// TargetConfig is one `virtualModels[].targets[]` entry.
type TargetConfig struct {
	ProviderID         string `json:"provider_id"`
	ModelID            string `json:"model_id"`
	CredentialSelector string `json:"credential_selector"`
	Weight             int    `json:"weight"`
	Enabled            *bool  `json:"enabled"` // nil defaults to true
}

// VirtualModelConfig is one `virtualModels[]` entry.
type VirtualModelConfig struct {
	ID             string         `json:"id"`
	Enabled        *bool          `json:"enabled"`
	CapabilityTags []string       `json:"capability_tags"`
	Strategy       string         `json:"strategy"` // round-robin | weighted | least-loaded | failover
	Targets        []TargetConfig `json:"targets"`
}

// ServerConfig is the ambient HTTP/auth configuration for cmd/rccd:
// struct zero value < env var < explicit file value.
type ServerConfig struct {
	Port            int           `json:"port"`
	BearerToken     string        `json:"bearer_token"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout"`
}

// File is the top-level shape of the configuration document.
type File struct {
	Server        ServerConfig         `json:"server"`
	Providers     []ProviderConfig     `json:"providers"`
	VirtualModels []VirtualModelConfig `json:"virtualModels"`
}

// isFilesystemPath reports whether a credential string is a file
// reference: strings starting with "./", "/", or "../", or ending with
// one of the listed suffixes, are read at load time; everything else is
// an inline secret.
func isFilesystemPath(s string) bool {
	if strings.HasPrefix(s, "./") || strings.HasPrefix(s, "/") || strings.HasPrefix(s, "../") {
		return true
	}
	for _, suffix := range []string{".key", ".txt", ".token", ".pem", ".json"} {
		if strings.HasSuffix(s, suffix) {
			return true
		}
	}
	return false
}

// resolveSecret returns s verbatim unless it looks like a filesystem
// path, in which case its contents are read and trimmed.
func resolveSecret(s string) (string, error) {
	if !isFilesystemPath(s) {
		return s, nil
	}
	data, err := os.ReadFile(s)
	if err != nil {
		return "", fmt.Errorf("config: reading credential file %q: %w", s, err)
	}
	return strings.TrimSpace(string(data)), nil
}

// ResolvedCredential is one credential after path resolution, ready to
// become a domain.CredentialSlot.
type ResolvedCredential struct {
	Name   string
	Secret string
	Weight int
}

// ResolveCredentials decodes a provider's `api_key` field, which may be
// a single string (shorthand for one slot), an array of strings, or an
// array of {name, value, weight} objects.
func ResolveCredentials(raw json.RawMessage) ([]ResolvedCredential, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		resolved, err := resolveSecret(single)
		if err != nil {
			return nil, err
		}
		return []ResolvedCredential{{Name: "default", Secret: resolved, Weight: 1}}, nil
	}

	var strs []string
	if err := json.Unmarshal(raw, &strs); err == nil {
		out := make([]ResolvedCredential, 0, len(strs))
		for i, s := range strs {
			resolved, err := resolveSecret(s)
			if err != nil {
				return nil, err
			}
			out = append(out, ResolvedCredential{Name: fmt.Sprintf("slot-%d", i), Secret: resolved, Weight: 1})
		}
		return out, nil
	}

	var objs []RawCredential
	if err := json.Unmarshal(raw, &objs); err != nil {
		return nil, fmt.Errorf("config: api_key must be a string, []string, or []object: %w", err)
	}
	out := make([]ResolvedCredential, 0, len(objs))
	for i, o := range objs {
		resolved, err := resolveSecret(o.Value)
		if err != nil {
			return nil, err
		}
		name := o.Name
		if name == "" {
			name = fmt.Sprintf("slot-%d", i)
		}
		weight := o.Weight
		if weight <= 0 {
			weight = 1
		}
		out = append(out, ResolvedCredential{Name: name, Secret: resolved, Weight: weight})
	}
	return out, nil
}

// Load reads and parses a configuration file from path, filling the
// ServerConfig fields the file leaves unset from env vars, then defaults.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %q: %w", path, err)
	}

	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("config: parsing %q: %w", path, err)
	}

	applyServerEnvOverrides(&f.Server)
	return &f, nil
}

func applyServerEnvOverrides(s *ServerConfig) {
	if v := os.Getenv("RCC_PORT"); v != "" && s.Port == 0 {
		if port, err := strconv.Atoi(v); err == nil {
			s.Port = port
		}
	}
	if v := os.Getenv("RCC_BEARER_TOKEN"); v != "" && s.BearerToken == "" {
		s.BearerToken = v
	}
	if s.Port == 0 {
		s.Port = 8080
	}
	if s.ShutdownTimeout == 0 {
		s.ShutdownTimeout = 30 * time.Second
	}
}

// Enabled reports the effective enabled value, defaulting to true when
// the JSON field was omitted: targets and virtual models are enabled
// unless explicitly disabled.
func Enabled(b *bool) bool {
	return b == nil || *b
}
