package storage

import (
	"fmt"
	"net/url"
	"time"

	"github.com/go-viper/mapstructure/v2"
)

// Kind selects the adapter implementation for a backend.
type Kind string

const (
	KindLocal Kind = "local"
	KindS3    Kind = "s3"
)

// Provider identifies a known S3-compatible vendor. Presets fix the
// endpoint scheme and public URL shape so most deployments only need
// credentials and a bucket.
type Provider string

const (
	ProviderAWS          Provider = "aws"
	ProviderCloudflareR2 Provider = "cloudflare_r2"
	ProviderDOSpaces     Provider = "digitalocean_spaces"
	ProviderMinio        Provider = "minio"
	ProviderCustom       Provider = "custom"
)

// BackendConfig is one entry of the configured backend list. Config is
// the raw key/value map decoded into the adapter's typed config.
type BackendConfig struct {
	Name   string         `mapstructure:"name" json:"name"`
	Kind   Kind           `mapstructure:"kind" json:"kind"`
	Config map[string]any `mapstructure:"config" json:"config"`
}

func (c *BackendConfig) Validate() error {
	if c.Name == "" {
		return &ConfigError{Field: "name", Reason: "required"}
	}
	switch c.Kind {
	case KindLocal, KindS3:
	default:
		return &ConfigError{Field: "kind", Reason: fmt.Sprintf("unsupported kind %q", c.Kind)}
	}
	return nil
}

// S3Config configures an S3Service.
type S3Config struct {
	Bucket            string        `mapstructure:"bucket"`
	AccessKeyID       string        `mapstructure:"access_key_id"`
	SecretAccessKey   string        `mapstructure:"secret_access_key"`
	Region            string        `mapstructure:"region"`
	Provider          Provider      `mapstructure:"provider"`
	AccountID         string        `mapstructure:"account_id"`
	Endpoint          string        `mapstructure:"endpoint"`
	PublicURLTemplate string        `mapstructure:"public_url_template"`
	ForcePathStyle    bool          `mapstructure:"force_path_style"`
	ConnectTimeout    time.Duration `mapstructure:"connect_timeout"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
}

// Validate applies defaults and checks required fields. All failures
// are ConfigErrors raised before any network access.
func (c *S3Config) Validate() error {
	if c.Region == "" {
		c.Region = "us-east-1"
	}
	if c.Provider == "" {
		c.Provider = ProviderAWS
	}
	if c.Bucket == "" {
		return &ConfigError{Field: "bucket", Reason: "required"}
	}
	if c.AccessKeyID == "" {
		return &ConfigError{Field: "access_key_id", Reason: "required"}
	}
	if c.SecretAccessKey == "" {
		return &ConfigError{Field: "secret_access_key", Reason: "required"}
	}

	switch c.Provider {
	case ProviderAWS, ProviderDOSpaces:
		if c.Endpoint != "" {
			if err := validateEndpoint(c.Endpoint); err != nil {
				return err
			}
		}
	case ProviderCloudflareR2:
		if c.AccountID == "" {
			return &ConfigError{Field: "account_id", Reason: "required for provider cloudflare_r2"}
		}
	case ProviderMinio, ProviderCustom:
		if c.Endpoint == "" {
			return &ConfigError{Field: "endpoint", Reason: fmt.Sprintf("required for provider %s", c.Provider)}
		}
		if err := validateEndpoint(c.Endpoint); err != nil {
			return err
		}
	default:
		return &ConfigError{Field: "provider", Reason: fmt.Sprintf("unsupported provider %q", c.Provider)}
	}

	// Providers without a stable public URL scheme need an explicit
	// template, checked here so PublicURL can never fail at use time.
	if c.PublicURLTemplate == "" && !c.Provider.HasStablePublicURL() {
		return &ConfigError{Field: "public_url_template", Reason: fmt.Sprintf("required for provider %s", c.Provider)}
	}

	return nil
}

// HasStablePublicURL reports whether the provider supports direct
// virtual-hosted-style public URLs without an explicit template.
func (p Provider) HasStablePublicURL() bool {
	return p == ProviderAWS || p == ProviderDOSpaces
}

// ResolveEndpoint returns the base endpoint to hand to the SDK, or ""
// for the provider's default. Validate must have passed.
func (c *S3Config) ResolveEndpoint() string {
	switch c.Provider {
	case ProviderCloudflareR2:
		return fmt.Sprintf("https://%s.r2.cloudflarestorage.com", c.AccountID)
	case ProviderDOSpaces:
		if c.Endpoint != "" {
			return c.Endpoint
		}
		return fmt.Sprintf("https://%s.digitaloceanspaces.com", c.Region)
	case ProviderMinio, ProviderCustom:
		return c.Endpoint
	default:
		return c.Endpoint
	}
}

func validateEndpoint(endpoint string) error {
	u, err := url.Parse(endpoint)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return &ConfigError{Field: "endpoint", Reason: fmt.Sprintf("invalid URL %q", endpoint)}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return &ConfigError{Field: "endpoint", Reason: fmt.Sprintf("unsupported scheme %q", u.Scheme)}
	}
	return nil
}

// LocalConfig configures a LocalService.
type LocalConfig struct {
	Root       string `mapstructure:"root"`
	PublicBase string `mapstructure:"public_base"`
	Secret     string `mapstructure:"secret"`
}

// decodeConfig maps a raw backend config map onto a typed adapter
// config, with weak typing and duration parsing matching what viper
// produces from yaml.
func decodeConfig(raw map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return &ConfigError{Field: "config", Reason: err.Error()}
	}
	if err := dec.Decode(raw); err != nil {
		return &ConfigError{Field: "config", Reason: err.Error()}
	}
	return nil
}
