package vault

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hashicorp/vault/api"

	"signal-executor/config"
)

// ErrNotFound is returned when no secret exists for the user and exchange
var ErrNotFound = errors.New("credential not found in vault")

// Credential is an exchange API key pair stored in Vault KV v2
type Credential struct {
	APIKey    string `json:"api_key"`
	SecretKey string `json:"secret_key"`
	Exchange  string `json:"exchange"`
	IsTestnet bool   `json:"is_testnet"`
}

// Client reads exchange credentials from Vault with a read-through cache.
// When Vault is disabled only the cache is used, which tests seed via Store.
type Client struct {
	client *api.Client
	config config.VaultConfig

	mu    sync.RWMutex
	cache map[string]Credential // user/exchange -> credential
}

// NewClient creates a Vault client; a disabled config yields a cache-only client
func NewClient(cfg config.VaultConfig) (*Client, error) {
	c := &Client{
		config: cfg,
		cache:  make(map[string]Credential),
	}
	if !cfg.Enabled {
		return c, nil
	}

	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address

	if cfg.TLSEnabled && cfg.CACert != "" {
		if err := vaultConfig.ConfigureTLS(&api.TLSConfig{CACert: cfg.CACert}); err != nil {
			return nil, fmt.Errorf("failed to configure TLS: %w", err)
		}
	}

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	client.SetToken(cfg.Token)
	c.client = client

	return c, nil
}

// NewMemoryClient returns a cache-only client
func NewMemoryClient() *Client {
	c, _ := NewClient(config.VaultConfig{Enabled: false})
	return c
}

// IsEnabled returns whether Vault is enabled
func (c *Client) IsEnabled() bool {
	return c.config.Enabled
}

// Store writes a credential for a user
func (c *Client) Store(ctx context.Context, userID string, cred Credential) error {
	if c.config.Enabled {
		secretData := map[string]interface{}{
			"data": map[string]interface{}{
				"api_key":    cred.APIKey,
				"secret_key": cred.SecretKey,
				"exchange":   cred.Exchange,
				"is_testnet": cred.IsTestnet,
			},
		}
		if _, err := c.client.Logical().WriteWithContext(ctx, c.dataPath(userID, cred.Exchange), secretData); err != nil {
			return fmt.Errorf("failed to store credential in vault: %w", err)
		}
	}

	c.mu.Lock()
	c.cache[cacheKey(userID, cred.Exchange)] = cred
	c.mu.Unlock()
	return nil
}

// Get retrieves the credential for a user on an exchange
func (c *Client) Get(ctx context.Context, userID, exchange string) (*Credential, error) {
	c.mu.RLock()
	if cached, ok := c.cache[cacheKey(userID, exchange)]; ok {
		c.mu.RUnlock()
		return &cached, nil
	}
	c.mu.RUnlock()

	if !c.config.Enabled {
		return nil, ErrNotFound
	}

	secret, err := c.client.Logical().ReadWithContext(ctx, c.dataPath(userID, exchange))
	if err != nil {
		return nil, fmt.Errorf("failed to read credential from vault: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, ErrNotFound
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("invalid secret format at %s", c.dataPath(userID, exchange))
	}

	cred := Credential{
		APIKey:    getString(data, "api_key"),
		SecretKey: getString(data, "secret_key"),
		Exchange:  getString(data, "exchange"),
		IsTestnet: getBool(data, "is_testnet"),
	}
	if cred.APIKey == "" || cred.SecretKey == "" {
		return nil, ErrNotFound
	}

	c.mu.Lock()
	c.cache[cacheKey(userID, exchange)] = cred
	c.mu.Unlock()

	return &cred, nil
}

// Delete removes a credential
func (c *Client) Delete(ctx context.Context, userID, exchange string) error {
	c.mu.Lock()
	delete(c.cache, cacheKey(userID, exchange))
	c.mu.Unlock()

	if !c.config.Enabled {
		return nil
	}
	if _, err := c.client.Logical().DeleteWithContext(ctx, c.metadataPath(userID, exchange)); err != nil {
		return fmt.Errorf("failed to delete credential from vault: %w", err)
	}
	return nil
}

// ClearCache drops cached credentials, forcing the next Get to hit Vault
func (c *Client) ClearCache() {
	c.mu.Lock()
	c.cache = make(map[string]Credential)
	c.mu.Unlock()
}

// Health checks the Vault connection
func (c *Client) Health(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}

	health, err := c.client.Sys().HealthWithContext(ctx)
	if err != nil {
		return fmt.Errorf("vault health check failed: %w", err)
	}
	if health.Sealed {
		return fmt.Errorf("vault is sealed")
	}
	return nil
}

func (c *Client) dataPath(userID, exchange string) string {
	return fmt.Sprintf("%s/data/%s/%s/%s", c.config.MountPath, c.config.SecretPath, userID, exchange)
}

func (c *Client) metadataPath(userID, exchange string) string {
	return fmt.Sprintf("%s/metadata/%s/%s/%s", c.config.MountPath, c.config.SecretPath, userID, exchange)
}

func cacheKey(userID, exchange string) string {
	return userID + "/" + exchange
}

func getString(data map[string]interface{}, key string) string {
	if str, ok := data[key].(string); ok {
		return str
	}
	return ""
}

func getBool(data map[string]interface{}, key string) bool {
	switch v := data[key].(type) {
	case bool:
		return v
	case string:
		return v == "true"
	}
	return false
}
