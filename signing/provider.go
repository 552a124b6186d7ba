package signing

import (
	"context"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// EnvKeyPrefix is the environment variable prefix for per-tenant raw keys:
// CRONICORN_SIGNING_KEY_<TENANT> = crn_<base58>.
const EnvKeyPrefix = "CRONICORN_SIGNING_KEY_"

// Provider resolves raw key material per tenant for the dispatcher. The store
// only holds hashes, so raw keys enter the provider from the environment at
// startup or from the keys CLI at create/rotate. Keys whose hash no longer
// matches the store (rotated elsewhere) are rejected.
type Provider struct {
	store  *KeyStore
	logger *zap.SugaredLogger

	mu   sync.RWMutex
	keys map[string][]byte
}

// NewProvider creates a provider over the given key store.
func NewProvider(store *KeyStore, logger *zap.SugaredLogger) *Provider {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Provider{
		store:  store,
		logger: logger,
		keys:   map[string][]byte{},
	}
}

// LoadFromEnv registers raw keys from CRONICORN_SIGNING_KEY_<TENANT>
// variables. Tenant names are lowercased; malformed values are logged and
// skipped.
func (p *Provider) LoadFromEnv() {
	for _, entry := range os.Environ() {
		name, value, ok := strings.Cut(entry, "=")
		if !ok || !strings.HasPrefix(name, EnvKeyPrefix) {
			continue
		}
		tenant := strings.ToLower(strings.TrimPrefix(name, EnvKeyPrefix))
		if tenant == "" {
			continue
		}

		raw, err := DecodeKey(value)
		if err != nil {
			p.logger.Warnw("Skipping malformed signing key from environment",
				"env_var", name, "error", err)
			continue
		}
		p.Register(tenant, raw)
		p.logger.Infow("Loaded signing key from environment", "tenant_id", tenant)
	}
}

// Register places raw key material for a tenant into the in-process cache.
func (p *Provider) Register(tenantID string, raw []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys[tenantID] = raw
}

// GetKey returns the raw signing key for a tenant, or false when none is
// registered or the registered key no longer matches the stored hash.
func (p *Provider) GetKey(tenantID string) ([]byte, bool) {
	p.mu.RLock()
	raw, ok := p.keys[tenantID]
	p.mu.RUnlock()
	if !ok {
		return nil, false
	}

	if p.store != nil {
		rec, err := p.store.Get(context.Background(), tenantID)
		if err != nil {
			// No stored record: env-provided keys still work so single-tenant
			// setups need no key table at all.
			return raw, true
		}
		if rec.KeyHash != HashKey(raw) {
			p.logger.Warnw("Cached signing key does not match stored hash; treating as missing",
				"tenant_id", tenantID, "key_prefix", rec.KeyPrefix)
			return nil, false
		}
	}

	return raw, true
}
