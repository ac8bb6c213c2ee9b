// Package authprovider implements contracts.AuthProvider (§6): resolving
// the credential fields a connector needs for a source connection, either
// returned directly or routed through a broker's proxy.
package authprovider

import (
	"context"
	"fmt"

	"github.com/airweave-sub003/ingestion-core/pkg/contracts"
)

// DirectProvider is the default: the source connection's own stored
// credential fields are the credentials, no broker involved. Every source
// that isn't configured against an external auth broker resolves through
// this provider.
type DirectProvider struct{}

func NewDirectProvider() *DirectProvider { return &DirectProvider{} }

func (p *DirectProvider) Name() string { return "direct" }

func (p *DirectProvider) Resolve(_ context.Context, sourceShortName string, fields map[string]interface{}) (*contracts.AuthResult, error) {
	creds := make(map[string]string, len(fields))
	for k, v := range fields {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("authprovider: direct resolve for %s: field %q is not a string", sourceShortName, k)
		}
		creds[k] = s
	}
	return &contracts.AuthResult{Direct: creds}, nil
}

var _ contracts.AuthProvider = (*DirectProvider)(nil)
