package provider

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
)

// ErrProviderNotFound is returned when no adapter is registered for a provider key.
var ErrProviderNotFound = errors.New("payout provider not registered")

// Settings is the per-provider configuration consulted outside the adapter,
// mainly by webhook ingestion.
type Settings struct {
	Key                  string
	Enabled              bool
	WebhookSecret        string
	SignatureHeader      string
	ConfirmByExternalRef bool
	ResponseMapping      ResponseMapping
}

// Registry maps normalized provider keys to adapters. It is built once at
// startup and never mutated afterwards.
type Registry struct {
	adapters map[string]Adapter
	settings map[string]Settings
}

// NormalizeKey lowercases a provider name and folds separators to underscores.
func NormalizeKey(name string) string {
	key := strings.ToLower(strings.TrimSpace(name))
	return strings.NewReplacer("-", "_", " ", "_", ".", "_").Replace(key)
}

// NewRegistry builds a registry from adapters and their settings. Duplicate keys are rejected.
func NewRegistry(adapters []Adapter, settings []Settings) (*Registry, error) {
	r := &Registry{
		adapters: make(map[string]Adapter, len(adapters)),
		settings: make(map[string]Settings, len(settings)),
	}
	for _, a := range adapters {
		key := NormalizeKey(a.Name())
		if key == "" {
			return nil, fmt.Errorf("provider adapter with empty name")
		}
		if _, exists := r.adapters[key]; exists {
			return nil, fmt.Errorf("provider %q registered twice", key)
		}
		r.adapters[key] = a
	}
	for _, s := range settings {
		s.Key = NormalizeKey(s.Key)
		if _, exists := r.settings[s.Key]; exists {
			return nil, fmt.Errorf("provider settings %q declared twice", s.Key)
		}
		r.settings[s.Key] = s
	}
	return r, nil
}

// RegistryFromConfig builds adapters for every enabled provider. An enabled
// provider with an invalid configuration fails the whole load.
func RegistryFromConfig(cfg *PayoutsConfig, client *http.Client) (*Registry, error) {
	var (
		adapters []Adapter
		settings []Settings
	)
	for _, providerConfig := range cfg.Providers {
		providerConfig.expandSecrets()

		settings = append(settings, Settings{
			Key:                  providerConfig.Name,
			Enabled:              providerConfig.Enabled,
			WebhookSecret:        providerConfig.Webhook.Secret,
			SignatureHeader:      providerConfig.Webhook.SignatureHeader,
			ConfirmByExternalRef: providerConfig.Webhook.ConfirmByExternalRef,
			ResponseMapping:      providerConfig.ResponseMapping,
		})

		if !providerConfig.Enabled {
			logrus.Infof("payout provider %s is disabled, skipping", providerConfig.Name)
			continue
		}

		if err := validateProviderConfig(providerConfig); err != nil {
			return nil, fmt.Errorf("invalid config for provider %s: %w", providerConfig.Name, err)
		}

		switch providerConfig.Kind {
		case KindSandbox:
			adapters = append(adapters, NewSandboxAdapter(providerConfig.Name))
		default:
			adapters = append(adapters, newConfigurableAdapter(providerConfig, client))
		}
		logrus.Infof("Loaded payout provider from config: %s", providerConfig.Name)
	}
	return NewRegistry(adapters, settings)
}

// LoadRegistry reads a providers YAML file and builds the registry.
func LoadRegistry(path string) (*Registry, error) {
	cfg, err := LoadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load provider config: %w", err)
	}
	return RegistryFromConfig(cfg, nil)
}

func (r *Registry) Adapter(name string) (Adapter, bool) {
	a, ok := r.adapters[NormalizeKey(name)]
	return a, ok
}

func (r *Registry) Settings(name string) (Settings, bool) {
	s, ok := r.settings[NormalizeKey(name)]
	return s, ok
}

// Names lists the registered adapter keys in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
