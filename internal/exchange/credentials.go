package exchange

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/hashicorp/vault/api"
)

// Credentials are the API keys the exchange adapter signs requests with.
type Credentials struct {
	APIKey    string `json:"api_key"`
	SecretKey string `json:"secret_key"`
	IsTestnet bool   `json:"is_testnet"`
}

// CredentialsConfig configures the Vault-backed credentials provider.
type CredentialsConfig struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address"`
	Token      string `json:"token"`
	MountPath  string `json:"mount_path"`  // e.g. "secret"
	SecretPath string `json:"secret_path"` // e.g. "trading/exchange"
}

// CredentialsProvider resolves exchange API keys from Vault, falling back to
// environment variables when Vault is disabled. Resolved credentials are
// cached for the process lifetime.
type CredentialsProvider struct {
	client *api.Client
	config CredentialsConfig
	mu     sync.RWMutex
	cached *Credentials
}

// NewCredentialsProvider creates a credentials provider. With Vault enabled
// a client is constructed eagerly so misconfiguration fails at startup, not
// on the first order.
func NewCredentialsProvider(cfg CredentialsConfig) (*CredentialsProvider, error) {
	p := &CredentialsProvider{config: cfg}

	if !cfg.Enabled {
		return p, nil
	}

	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	client.SetToken(cfg.Token)
	p.client = client

	return p, nil
}

// Lookup returns the exchange credentials.
func (p *CredentialsProvider) Lookup(ctx context.Context) (*Credentials, error) {
	p.mu.RLock()
	if p.cached != nil {
		defer p.mu.RUnlock()
		return p.cached, nil
	}
	p.mu.RUnlock()

	creds, err := p.resolve(ctx)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.cached = creds
	p.mu.Unlock()
	return creds, nil
}

func (p *CredentialsProvider) resolve(ctx context.Context) (*Credentials, error) {
	if !p.config.Enabled {
		apiKey := os.Getenv("EXCHANGE_API_KEY")
		secretKey := os.Getenv("EXCHANGE_SECRET_KEY")
		if apiKey == "" || secretKey == "" {
			return nil, fmt.Errorf("vault disabled and EXCHANGE_API_KEY/EXCHANGE_SECRET_KEY not set")
		}
		return &Credentials{
			APIKey:    apiKey,
			SecretKey: secretKey,
			IsTestnet: os.Getenv("EXCHANGE_TESTNET") == "true",
		}, nil
	}

	path := fmt.Sprintf("%s/data/%s", p.config.MountPath, p.config.SecretPath)
	secret, err := p.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read exchange credentials from vault: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("exchange credentials not found at %s", path)
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("invalid secret format at %s", path)
	}

	creds := &Credentials{
		APIKey:    getString(data, "api_key"),
		SecretKey: getString(data, "secret_key"),
		IsTestnet: getBool(data, "is_testnet"),
	}
	if creds.APIKey == "" || creds.SecretKey == "" {
		return nil, fmt.Errorf("exchange credentials at %s are incomplete", path)
	}
	return creds, nil
}

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func getBool(data map[string]interface{}, key string) bool {
	if v, ok := data[key].(bool); ok {
		return v
	}
	return false
}
