package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	stagingBaseURL    = "https://checkout-api.staging.straumur.is/api/v1/"
	productionBaseURL = "https://checkout-api.straumur.is/api/v1/"

	minCheckoutExpiryHours = 0.0833
	maxCheckoutExpiryHours = 24.0
)

type Config struct {
	Environment string
	Server      ServerConfig
	Database    DatabaseConfig
	Gateway     GatewayConfig
	Checkout    CheckoutConfig
	Admin       AdminConfig
}

type ServerConfig struct {
	Port int
}

type DatabaseConfig struct {
	Path string
}

type GatewayConfig struct {
	Production        bool
	BaseURL           string
	APIKey            string
	HMACKey           string
	TerminalID        string
	GatewayTerminalID string
	ThemeKey          string
}

type CheckoutConfig struct {
	ExpiryHours       float64
	SendItems         bool
	ManualCapture     bool
	CompleteOnPayment bool
	AbandonURL        string
	SuccessURL        string
	RetryURL          string
	ReturnSigningKey  string
}

type AdminConfig struct {
	Token string
}

func Load() (Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("straumur_env", "")
	v.SetDefault("app_env", "")
	v.SetDefault("go_env", "")
	v.SetDefault("straumur_port", 8080)
	v.SetDefault("straumur_db_path", "data/default")
	v.SetDefault("straumur_production", false)
	v.SetDefault("straumur_base_url", "")
	v.SetDefault("straumur_checkout_expiry_hours", 1.0)
	v.SetDefault("straumur_send_items", true)
	v.SetDefault("straumur_manual_capture", false)
	v.SetDefault("straumur_complete_on_payment", false)

	env := resolveEnvironment(v)
	port := v.GetInt("straumur_port")
	if port <= 0 || port > 65535 {
		return Config{}, fmt.Errorf("invalid STRAUMUR_PORT: %d", port)
	}

	production := v.GetBool("straumur_production")
	baseURL := strings.TrimSpace(v.GetString("straumur_base_url"))
	if baseURL == "" {
		baseURL = stagingBaseURL
		if production {
			baseURL = productionBaseURL
		}
	}
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}

	expiry := v.GetFloat64("straumur_checkout_expiry_hours")
	if expiry < minCheckoutExpiryHours {
		expiry = minCheckoutExpiryHours
	}
	if expiry > maxCheckoutExpiryHours {
		expiry = maxCheckoutExpiryHours
	}

	cfg := Config{
		Environment: env,
		Server:      ServerConfig{Port: port},
		Database: DatabaseConfig{
			Path: strings.TrimSpace(v.GetString("straumur_db_path")),
		},
		Gateway: GatewayConfig{
			Production:        production,
			BaseURL:           baseURL,
			APIKey:            strings.TrimSpace(v.GetString("straumur_api_key")),
			HMACKey:           strings.TrimSpace(v.GetString("straumur_hmac_key")),
			TerminalID:        strings.TrimSpace(v.GetString("straumur_terminal_id")),
			GatewayTerminalID: strings.TrimSpace(v.GetString("straumur_gateway_terminal_id")),
			ThemeKey:          strings.TrimSpace(v.GetString("straumur_theme_key")),
		},
		Checkout: CheckoutConfig{
			ExpiryHours:       expiry,
			SendItems:         v.GetBool("straumur_send_items"),
			ManualCapture:     v.GetBool("straumur_manual_capture"),
			CompleteOnPayment: v.GetBool("straumur_complete_on_payment"),
			AbandonURL:        strings.TrimSpace(v.GetString("straumur_abandon_url")),
			SuccessURL:        strings.TrimSpace(v.GetString("straumur_success_url")),
			RetryURL:          strings.TrimSpace(v.GetString("straumur_retry_url")),
			ReturnSigningKey:  strings.TrimSpace(v.GetString("straumur_return_signing_key")),
		},
		Admin: AdminConfig{
			Token: strings.TrimSpace(v.GetString("straumur_admin_token")),
		},
	}

	if strings.TrimSpace(cfg.Database.Path) == "" {
		cfg.Database.Path = "data/default"
	}
	// Return URLs keep verifying across admin-token rotations once a
	// dedicated signing key is configured; the token is only a fallback.
	if cfg.Checkout.ReturnSigningKey == "" {
		cfg.Checkout.ReturnSigningKey = cfg.Admin.Token
	}
	if cfg.Checkout.RetryURL == "" {
		cfg.Checkout.RetryURL = cfg.Checkout.AbandonURL
	}
	if !cfg.IsLocalDevelopment() {
		if cfg.Gateway.APIKey == "" {
			return Config{}, fmt.Errorf("STRAUMUR_API_KEY is required outside local/dev environments")
		}
		if cfg.Gateway.HMACKey == "" {
			return Config{}, fmt.Errorf("STRAUMUR_HMAC_KEY is required outside local/dev environments")
		}
		if cfg.Admin.Token == "" {
			return Config{}, fmt.Errorf("STRAUMUR_ADMIN_TOKEN is required outside local/dev environments")
		}
	}

	return cfg, nil
}

func (c Config) IsLocalDevelopment() bool {
	switch strings.ToLower(strings.TrimSpace(c.Environment)) {
	case "", "local", "dev", "development", "test":
		return true
	default:
		return false
	}
}

// CheckoutExpiry converts the configured session lifetime to a duration.
func (c Config) CheckoutExpiry() time.Duration {
	return time.Duration(c.Checkout.ExpiryHours * float64(time.Hour))
}

func resolveEnvironment(v *viper.Viper) string {
	for _, key := range []string{"straumur_env", "app_env", "go_env"} {
		value := strings.TrimSpace(v.GetString(key))
		if value != "" {
			return strings.ToLower(value)
		}
	}
	return ""
}
