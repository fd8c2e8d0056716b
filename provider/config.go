package provider

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	KindHTTP    = "http"
	KindSandbox = "sandbox"

	AmountFormatMinor = "minor"
	AmountFormatMajor = "major"
)

type ProviderConfig struct {
	Name            string          `yaml:"name"`
	Kind            string          `yaml:"kind,omitempty"`
	Enabled         bool            `yaml:"enabled"`
	APIKey          string          `yaml:"api_key"`
	APISecret       string          `yaml:"api_secret,omitempty"`
	AuthType        string          `yaml:"auth_type"`
	AuthHeader      string          `yaml:"auth_header,omitempty"`
	TokenURL        string          `yaml:"token_url,omitempty"`
	BaseURL         string          `yaml:"base_url"`
	TimeoutSeconds  int             `yaml:"timeout_seconds,omitempty"`
	Endpoints       EndpointsConfig `yaml:"endpoints"`
	RequestConfig   RequestConfig   `yaml:"request_config,omitempty"`
	ResponseMapping ResponseMapping `yaml:"response_mapping"`
	Webhook         WebhookConfig   `yaml:"webhook,omitempty"`
}

type EndpointsConfig struct {
	Send    string `yaml:"send"`
	Status  string `yaml:"status"`
	Quote   string `yaml:"quote,omitempty"`
	Confirm string `yaml:"confirm,omitempty"`
}

type RequestConfig struct {
	ContentType       string            `yaml:"content_type,omitempty"`
	AmountFormat      string            `yaml:"amount_format,omitempty"`
	IdempotencyHeader string            `yaml:"idempotency_header,omitempty"`
	FieldMapping      map[string]string `yaml:"field_mapping,omitempty"`
}

type ResponseMapping struct {
	StatusField     string   `yaml:"status_field"`
	ReferenceField  string   `yaml:"reference_field"`
	ErrorField      string   `yaml:"error_field,omitempty"`
	QuoteField      string   `yaml:"quote_field,omitempty"`
	RetryableField  string   `yaml:"retryable_field,omitempty"`
	ConfirmedValues []string `yaml:"confirmed_values,omitempty"`
	FailedValues    []string `yaml:"failed_values,omitempty"`
	SentValues      []string `yaml:"sent_values,omitempty"`
}

type WebhookConfig struct {
	Secret               string `yaml:"secret,omitempty"`
	SignatureHeader      string `yaml:"signature_header,omitempty"`
	ConfirmByExternalRef bool   `yaml:"confirm_by_external_ref,omitempty"`
}

type PayoutsConfig struct {
	Providers []ProviderConfig `yaml:"providers"`
}

func LoadConfig(filepath string) (*PayoutsConfig, error) {
	data, err := os.ReadFile(filepath)
	if err != nil {
		return nil, err
	}
	return LoadConfigFromBytes(data)
}

func LoadConfigFromBytes(data []byte) (*PayoutsConfig, error) {
	var config PayoutsConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, err
	}
	return &config, nil
}

func expandEnvVar(value string) string {
	if strings.HasPrefix(value, "${") && strings.HasSuffix(value, "}") {
		envName := value[2 : len(value)-1]
		if envValue := os.Getenv(envName); envValue != "" {
			return envValue
		}
		return ""
	}
	return value
}

func (c *ProviderConfig) expandSecrets() {
	c.APIKey = expandEnvVar(c.APIKey)
	c.APISecret = expandEnvVar(c.APISecret)
	c.Webhook.Secret = expandEnvVar(c.Webhook.Secret)
	if c.Kind == "" {
		c.Kind = KindHTTP
	}
}

func validateProviderConfig(config ProviderConfig) error {
	if config.Name == "" {
		return fmt.Errorf("provider name is required")
	}
	switch config.Kind {
	case KindSandbox:
		return nil
	case KindHTTP:
	default:
		return fmt.Errorf("unknown provider kind %q", config.Kind)
	}
	if config.APIKey == "" {
		return fmt.Errorf("api_key is required")
	}
	if config.BaseURL == "" {
		return fmt.Errorf("base_url is required")
	}
	if config.Endpoints.Send == "" {
		return fmt.Errorf("endpoints.send is required")
	}
	if config.Endpoints.Status == "" {
		return fmt.Errorf("endpoints.status is required")
	}
	if config.ResponseMapping.StatusField == "" {
		return fmt.Errorf("response_mapping.status_field is required")
	}
	if config.ResponseMapping.ReferenceField == "" {
		return fmt.Errorf("response_mapping.reference_field is required")
	}
	if config.Endpoints.Quote != "" && config.ResponseMapping.QuoteField == "" {
		return fmt.Errorf("response_mapping.quote_field is required when endpoints.quote is set")
	}
	if strings.EqualFold(config.AuthType, "oauth") {
		if config.TokenURL == "" {
			return fmt.Errorf("token_url is required for oauth")
		}
		if config.APISecret == "" {
			return fmt.Errorf("api_secret is required for oauth")
		}
	}
	switch config.RequestConfig.AmountFormat {
	case "", AmountFormatMinor, AmountFormatMajor:
	default:
		return fmt.Errorf("request_config.amount_format must be %q or %q", AmountFormatMinor, AmountFormatMajor)
	}
	return nil
}
