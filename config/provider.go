package config

import (
	"os"
	"strings"

	"github.com/advisorhq/books_sync_backend/utils"
)

// ProviderSettings carries the QuickBooks app credentials and endpoints.
// All values come from env; missing client credentials are a configuration
// error surfaced before any OAuth flow starts.
type ProviderSettings struct {
	ClientID       string
	ClientSecret   string
	RedirectURL    string
	AuthorizeURL   string
	TokenURL       string
	RevokeURL      string
	APIBaseURL     string
	WebhookToken   string
	WebhookEnabled bool
}

func GetProviderSettings() (*ProviderSettings, error) {
	clientID := strings.TrimSpace(os.Getenv("QB_CLIENT_ID"))
	clientSecret := strings.TrimSpace(os.Getenv("QB_CLIENT_SECRET"))
	if clientID == "" || clientSecret == "" {
		return nil, utils.NewConfigurationError("QB_CLIENT_ID/QB_CLIENT_SECRET", "quickbooks app credentials are not set")
	}

	s := &ProviderSettings{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  strings.TrimSpace(os.Getenv("QB_REDIRECT_URL")),
		AuthorizeURL: envOrDefault("QB_AUTHORIZE_URL", "https://appcenter.intuit.com/connect/oauth2"),
		TokenURL:     envOrDefault("QB_TOKEN_URL", "https://oauth.platform.intuit.com/oauth2/v1/tokens/bearer"),
		RevokeURL:    envOrDefault("QB_REVOKE_URL", "https://developer.api.intuit.com/v2/oauth2/tokens/revoke"),
		APIBaseURL:   envOrDefault("QB_API_BASE_URL", "https://quickbooks.api.intuit.com"),
		WebhookToken: strings.TrimSpace(os.Getenv("QB_WEBHOOK_VERIFIER_TOKEN")),
	}
	s.WebhookEnabled = s.WebhookToken != ""
	return s, nil
}

func envOrDefault(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

// EnvBoolDefault reads a boolean env toggle with a fallback.
func EnvBoolDefault(key string, def bool) bool {
	val := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch val {
	case "true", "1", "yes", "y", "on":
		return true
	case "false", "0", "no", "n", "off":
		return false
	default:
		return def
	}
}
