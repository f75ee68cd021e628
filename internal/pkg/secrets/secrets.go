package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/gofiber/fiber/v2/log"
	"github.com/schooltech-ng/schoolpay/internal/pkg/env"
	"golang.org/x/sync/singleflight"
)

// ErrNotConfigured means no signing secret exists for a provider. Callers
// must treat this as a hard rejection, never as "skip verification".
var ErrNotConfigured = errors.New("webhook secret not configured")

// SecretFetcher is the slice of the Secrets Manager API the provider needs.
type SecretFetcher interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// Provider resolves per-gateway webhook signing secrets. Resolution order is
// env var first, then Secrets Manager by configured secret name. Results are
// memoized for the process lifetime; rotation requires a restart.
type Provider struct {
	fetcher SecretFetcher

	mu     sync.Mutex
	cached map[string]string
	group  singleflight.Group
}

// NewProvider creates a secret provider with an injected fetcher, which may
// be nil when no managed store is available.
func NewProvider(fetcher SecretFetcher) *Provider {
	return &Provider{
		fetcher: fetcher,
		cached:  make(map[string]string),
	}
}

// NewProviderFromEnv builds a provider backed by AWS Secrets Manager when
// AWS config can be loaded, and env-only resolution otherwise.
func NewProviderFromEnv(ctx context.Context) *Provider {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		log.Warnf("secrets: no AWS config available, env-only secret resolution: %v", err)
		return NewProvider(nil)
	}
	return NewProvider(secretsmanager.NewFromConfig(cfg))
}

// Resolve returns the signing secret for a gateway provider name.
func (p *Provider) Resolve(ctx context.Context, provider string) (string, error) {
	name := strings.ToLower(strings.TrimSpace(provider))
	if name == "" {
		return "", ErrNotConfigured
	}

	p.mu.Lock()
	if secret, ok := p.cached[name]; ok {
		p.mu.Unlock()
		return secret, nil
	}
	p.mu.Unlock()

	// Single flight so concurrent first deliveries trigger one store lookup.
	v, err, _ := p.group.Do(name, func() (interface{}, error) {
		secret, err := p.lookup(ctx, name)
		if err != nil {
			return "", err
		}
		p.mu.Lock()
		p.cached[name] = secret
		p.mu.Unlock()
		return secret, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (p *Provider) lookup(ctx context.Context, name string) (string, error) {
	envKey := fmt.Sprintf("%s_WEBHOOK_SECRET", strings.ToUpper(name))
	if secret := strings.TrimSpace(env.GetEnv(envKey, "")); secret != "" {
		return secret, nil
	}

	secretName := strings.TrimSpace(env.GetEnv(fmt.Sprintf("WEBHOOK_SECRET_NAME_%s", strings.ToUpper(name)), ""))
	if secretName == "" || p.fetcher == nil {
		return "", ErrNotConfigured
	}

	out, err := p.fetcher.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: &secretName,
	})
	if err != nil {
		log.Errorf("secrets: lookup of %s failed: %v", secretName, err)
		return "", ErrNotConfigured
	}

	raw := ""
	if out.SecretString != nil {
		raw = *out.SecretString
	} else if len(out.SecretBinary) > 0 {
		raw = string(out.SecretBinary)
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrNotConfigured
	}
	return extractSecret(raw), nil
}

// extractSecret unwraps structured Secrets Manager payloads. A JSON object
// yields its "secret" or "webhookSecret" field; anything else is the secret.
func extractSecret(raw string) string {
	if !strings.HasPrefix(raw, "{") {
		return raw
	}
	var payload map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return raw
	}
	for _, key := range []string{"secret", "webhookSecret"} {
		if v, ok := payload[key].(string); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return raw
}
