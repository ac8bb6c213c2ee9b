package authprovider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/airweave-sub003/ingestion-core/internal/airerr"
	"github.com/airweave-sub003/ingestion-core/pkg/contracts"
)

// tokenExpiryBuffer refreshes the Pipedream access token 10 minutes before
// expiry, wide enough to survive a long-running sync that started just
// before the old token's window ran out.
const tokenExpiryBuffer = 10 * time.Minute

const tokenEndpoint = "https://api.pipedream.com/v1/oauth/token"

// fieldNameMapping translates our credential field names to Pipedream's,
// grounded on pipedream.py's FIELD_NAME_MAPPING.
var fieldNameMapping = map[string]string{
	"api_key":       "api_key",
	"access_token":  "oauth_access_token",
	"refresh_token": "oauth_refresh_token",
	"client_id":     "oauth_client_id",
	"client_secret": "oauth_client_secret",
}

// slugNameMapping translates our source short names to Pipedream app
// slugs where they differ, grounded on pipedream.py's SLUG_NAME_MAPPING.
var slugNameMapping = map[string]string{
	"outlook_mail":     "outlook",
	"outlook_calendar": "outlook",
}

// blockedSources only expose credentials through Pipedream's proxy, never
// directly, grounded on pipedream.py's BLOCKED_SOURCES.
var blockedSources = map[string]bool{
	"confluence": true,
	"jira":       true,
	"bitbucket":  true,
	"github":     true,
	"ctti":       true,
}

// PipedreamProvider resolves credentials via Pipedream's Connect API using
// an OAuth2 client-credentials grant, falling back to proxy mode for
// blocked sources and for accounts on Pipedream's own default OAuth client
// (which never exposes raw credentials), grounded on
// platform/auth_providers/pipedream.py's get_auth_result.
type PipedreamProvider struct {
	clientID     string
	clientSecret string
	projectID    string
	accountID    string
	environment  string
	client       *http.Client

	mu          sync.Mutex
	accessToken string
	expiresAt   time.Time
}

type PipedreamOption func(*PipedreamProvider)

func WithPipedreamEnvironment(env string) PipedreamOption {
	return func(p *PipedreamProvider) { p.environment = env }
}

func NewPipedreamProvider(clientID, clientSecret, projectID, accountID string, opts ...PipedreamOption) *PipedreamProvider {
	p := &PipedreamProvider{
		clientID:     clientID,
		clientSecret: clientSecret,
		projectID:    projectID,
		accountID:    accountID,
		environment:  "production",
		client:       &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *PipedreamProvider) Name() string { return "pipedream" }

// Resolve returns Direct credentials for sources with a custom OAuth
// client, or Proxy routing info for blocked sources and default-OAuth
// accounts that Pipedream refuses to disclose raw credentials for.
func (p *PipedreamProvider) Resolve(ctx context.Context, sourceShortName string, fields map[string]interface{}) (*contracts.AuthResult, error) {
	requiredFields := make([]string, 0, len(fields))
	for k := range fields {
		requiredFields = append(requiredFields, k)
	}

	if blockedSources[sourceShortName] {
		log.Info().Str("source", sourceShortName).Msg("pipedream: blocked source, using proxy mode")
		return proxyResult(p.environment, sourceShortName, "blocked_source"), nil
	}

	creds, err := p.credentialsForSource(ctx, sourceShortName, requiredFields)
	if err != nil {
		if _, ok := err.(*defaultOAuthClientError); ok {
			log.Info().Str("source", sourceShortName).Msg("pipedream: default oauth client, using proxy mode")
			return proxyResult(p.environment, sourceShortName, "default_oauth"), nil
		}
		return nil, err
	}
	return &contracts.AuthResult{Direct: creds}, nil
}

func proxyResult(environment, sourceShortName, reason string) *contracts.AuthResult {
	return &contracts.AuthResult{
		Proxy: &contracts.ProxyResult{
			BaseURL: "https://api.pipedream.com/v1/connect/proxy",
			Header: map[string]string{
				"x-pd-environment": environment,
				"x-pd-reason":      reason,
				"x-pd-source":      sourceShortName,
			},
		},
	}
}

// defaultOAuthClientError means the connected account uses Pipedream's
// built-in OAuth client, which never exposes raw credentials — the proxy
// must be used instead.
type defaultOAuthClientError struct{ sourceShortName string }

func (e *defaultOAuthClientError) Error() string {
	return fmt.Sprintf("pipedream: %s uses a default OAuth client, credentials unavailable directly", e.sourceShortName)
}

func (p *PipedreamProvider) appSlug(sourceShortName string) string {
	if slug, ok := slugNameMapping[sourceShortName]; ok {
		return slug
	}
	return sourceShortName
}

func (p *PipedreamProvider) credentialsForSource(ctx context.Context, sourceShortName string, requiredFields []string) (map[string]string, error) {
	appSlug := p.appSlug(sourceShortName)

	token, err := p.ensureValidToken(ctx)
	if err != nil {
		return nil, err
	}

	account, err := p.fetchAccount(ctx, token, appSlug)
	if err != nil {
		return nil, err
	}

	rawCreds, _ := account["credentials"].(map[string]interface{})
	if rawCreds == nil {
		return nil, &defaultOAuthClientError{sourceShortName: sourceShortName}
	}

	found := make(map[string]string, len(requiredFields))
	var missing []string
	for _, ourField := range requiredFields {
		pdField := ourField
		if mapped, ok := fieldNameMapping[ourField]; ok {
			pdField = mapped
		}
		v, ok := rawCreds[pdField]
		if !ok {
			missing = append(missing, ourField)
			continue
		}
		s, ok := v.(string)
		if !ok {
			missing = append(missing, ourField)
			continue
		}
		found[ourField] = s
	}
	if len(missing) > 0 {
		return nil, airerr.New(airerr.AuthFailure, fmt.Sprintf("pipedream: missing required auth fields for %s: %v", sourceShortName, missing))
	}
	return found, nil
}

func (p *PipedreamProvider) fetchAccount(ctx context.Context, token, appSlug string) (map[string]interface{}, error) {
	u := fmt.Sprintf("https://api.pipedream.com/v1/connect/%s/accounts/%s?app=%s",
		p.projectID, p.accountID, url.QueryEscape(appSlug))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, airerr.Wrap(airerr.InternalInvariantViolated, "create pipedream account request", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("x-pd-environment", p.environment)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, airerr.Wrap(airerr.Transient, "pipedream account request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, airerr.Wrap(airerr.Transient, "read pipedream account response", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, airerr.New(airerr.Transient, fmt.Sprintf("pipedream account lookup returned %d: %s", resp.StatusCode, string(body)))
	}

	var account map[string]interface{}
	if err := json.Unmarshal(body, &account); err != nil {
		return nil, airerr.Wrap(airerr.Transient, "unmarshal pipedream account response", err)
	}
	return account, nil
}

func (p *PipedreamProvider) ensureValidToken(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.accessToken != "" && time.Now().Add(tokenExpiryBuffer).Before(p.expiresAt) {
		return p.accessToken, nil
	}

	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {p.clientID},
		"client_secret": {p.clientSecret},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenEndpoint, bytes.NewReader([]byte(form.Encode())))
	if err != nil {
		return "", airerr.Wrap(airerr.InternalInvariantViolated, "create pipedream token request", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", airerr.Wrap(airerr.Transient, "pipedream token refresh failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", airerr.Wrap(airerr.Transient, "read pipedream token response", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", airerr.New(airerr.AuthFailure, fmt.Sprintf("pipedream token refresh returned %d: %s", resp.StatusCode, string(body)))
	}

	var parsed struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", airerr.Wrap(airerr.Transient, "unmarshal pipedream token response", err)
	}
	if parsed.ExpiresIn == 0 {
		parsed.ExpiresIn = 3600
	}

	p.accessToken = parsed.AccessToken
	p.expiresAt = time.Now().Add(time.Duration(parsed.ExpiresIn) * time.Second)
	return p.accessToken, nil
}

var _ contracts.AuthProvider = (*PipedreamProvider)(nil)
