// Package identity resolves the credential used to call Key Vault, Microsoft
// Graph and Azure DevOps.
package identity

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	dserrors "github.com/systmms/kvrotate/internal/errors"
)

// Provider is one source in the chain. Anything able to issue a token for a
// scope qualifies.
type Provider struct {
	Name       string
	Credential azcore.TokenCredential
}

// Chain tries its providers in order and returns the first token issued.
// It implements azcore.TokenCredential so it can be handed to any SDK client.
type Chain struct {
	providers []Provider
}

var _ azcore.TokenCredential = (*Chain)(nil)

// NewChain builds a chain over an explicit, ordered provider list.
func NewChain(providers ...Provider) *Chain {
	return &Chain{providers: append([]Provider(nil), providers...)}
}

// Names lists the providers in the order they are tried.
func (c *Chain) Names() []string {
	names := make([]string, 0, len(c.providers))
	for _, p := range c.providers {
		names = append(names, p.Name)
	}
	return names
}

// GetToken asks each provider in turn. When every provider fails, the
// returned error is an AuthResolutionError listing each attempt.
func (c *Chain) GetToken(ctx context.Context, opts policy.TokenRequestOptions) (azcore.AccessToken, error) {
	attempts := make([]error, 0, len(c.providers))
	for _, p := range c.providers {
		if err := ctx.Err(); err != nil {
			return azcore.AccessToken{}, err
		}
		tok, err := p.Credential.GetToken(ctx, opts)
		if err == nil {
			return tok, nil
		}
		attempts = append(attempts, fmt.Errorf("%s: %w", p.Name, err))
	}
	return azcore.AccessToken{}, dserrors.AuthResolutionError{
		Scopes:   append([]string(nil), opts.Scopes...),
		Attempts: attempts,
	}
}

// Token returns only the access token string for the given scopes.
func Token(ctx context.Context, cred azcore.TokenCredential, scopes ...string) (string, error) {
	tok, err := cred.GetToken(ctx, policy.TokenRequestOptions{Scopes: scopes})
	if err != nil {
		return "", err
	}
	return tok.Token, nil
}

// lazy defers construction of a credential until the first token request so
// that resolving a chain has no side effects.
type lazy struct {
	once  sync.Once
	build func() (azcore.TokenCredential, error)
	cred  azcore.TokenCredential
	err   error
}

// Lazy wraps a credential constructor. A constructor error is reported by
// every GetToken call.
func Lazy(build func() (azcore.TokenCredential, error)) azcore.TokenCredential {
	return &lazy{build: build}
}

func (l *lazy) GetToken(ctx context.Context, opts policy.TokenRequestOptions) (azcore.AccessToken, error) {
	l.once.Do(func() {
		l.cred, l.err = l.build()
	})
	if l.err != nil {
		return azcore.AccessToken{}, l.err
	}
	return l.cred.GetToken(ctx, opts)
}

func describe(c *Chain) string {
	return strings.Join(c.Names(), " -> ")
}
