package llm

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync/atomic"

	"golang.org/x/sync/singleflight"
)

// CredentialSource resolves the provider API key. Sources must be idempotent:
// a Credential may call one more than once under concurrent first use.
type CredentialSource func(ctx context.Context) (string, error)

// Credential is a lazily resolved, process-lifetime API key. The first
// successful resolution is kept; concurrent first callers share one lookup.
// A failed lookup is not cached, the next Get tries again.
type Credential struct {
	source CredentialSource
	group  singleflight.Group
	value  atomic.Pointer[string]
}

func NewCredential(source CredentialSource) *Credential {
	return &Credential{source: source}
}

// StaticCredential returns a Credential that always yields key.
func StaticCredential(key string) *Credential {
	c := &Credential{}
	if key != "" {
		c.value.Store(&key)
	}
	c.source = func(context.Context) (string, error) { return "", ErrNoAPIKey }
	return c
}

// Get returns the cached key, resolving it on first use.
func (c *Credential) Get(ctx context.Context) (string, error) {
	if v := c.value.Load(); v != nil {
		return *v, nil
	}
	v, err, _ := c.group.Do("key", func() (any, error) {
		if v := c.value.Load(); v != nil {
			return *v, nil
		}
		key, err := c.source(ctx)
		if err != nil {
			return "", err
		}
		if key == "" {
			return "", ErrNoAPIKey
		}
		c.value.CompareAndSwap(nil, &key)
		return *c.value.Load(), nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Resolved reports whether a key has been cached.
func (c *Credential) Resolved() bool {
	return c.value.Load() != nil
}

// EnvSource reads the key from an environment variable.
func EnvSource(name string) CredentialSource {
	return func(context.Context) (string, error) {
		v := os.Getenv(name)
		if v == "" {
			return "", fmt.Errorf("%w: $%s is empty", ErrNoAPIKey, name)
		}
		return v, nil
	}
}

// FileSource reads the key from a mounted secret file.
func FileSource(path string) CredentialSource {
	return func(context.Context) (string, error) {
		b, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("reading API key file: %w", err)
		}
		key := strings.TrimSpace(string(b))
		if key == "" {
			return "", fmt.Errorf("%w: %s is empty", ErrNoAPIKey, path)
		}
		return key, nil
	}
}

// FirstOf tries each source in order and returns the first key found.
func FirstOf(sources ...CredentialSource) CredentialSource {
	return func(ctx context.Context) (string, error) {
		var lastErr error = ErrNoAPIKey
		for _, src := range sources {
			key, err := src(ctx)
			if err == nil && key != "" {
				return key, nil
			}
			if err != nil {
				lastErr = err
			}
		}
		return "", lastErr
	}
}
