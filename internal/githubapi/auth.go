package githubapi

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/bradleyfalzon/ghinstallation/v2"
	"github.com/google/go-github/v75/github"
	"github.com/shurcooL/githubv4"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

// ErrNoCredential is returned when neither a user token nor a system credential is configured.
var ErrNoCredential = fmt.Errorf("no github credential available")

// InstallationAuthConfig configures GitHub App installation authentication.
type InstallationAuthConfig struct {
	AppID          int64
	InstallationID int64
	PrivateKeyPath string
}

// Enabled reports whether an installation credential is configured.
func (c InstallationAuthConfig) Enabled() bool {
	return c.AppID > 0 || c.InstallationID > 0 || strings.TrimSpace(c.PrivateKeyPath) != ""
}

// NewInstallationTransport creates a transport authenticated as one GitHub App installation.
func NewInstallationTransport(base http.RoundTripper, cfg InstallationAuthConfig) (http.RoundTripper, error) {
	if cfg.AppID <= 0 {
		return nil, fmt.Errorf("app id must be > 0")
	}
	if cfg.InstallationID <= 0 {
		return nil, fmt.Errorf("installation id must be > 0")
	}
	if strings.TrimSpace(cfg.PrivateKeyPath) == "" {
		return nil, fmt.Errorf("private key path is required")
	}
	if base == nil {
		base = http.DefaultTransport
	}

	transport, err := ghinstallation.NewKeyFromFile(base, cfg.AppID, cfg.InstallationID, cfg.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("create github app transport: %w", err)
	}
	return transport, nil
}

// NewTokenTransport creates a transport that sends token as a bearer credential.
func NewTokenTransport(base http.RoundTripper, token string) (http.RoundTripper, error) {
	trimmed := strings.TrimSpace(token)
	if trimmed == "" {
		return nil, fmt.Errorf("token is required")
	}
	if base == nil {
		base = http.DefaultTransport
	}
	return &oauth2.Transport{
		Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: trimmed}),
		Base:   base,
	}, nil
}

// NewRESTClient creates a go-github client with optional API base URL override.
func NewRESTClient(httpClient *http.Client, apiBaseURL string) (*github.Client, error) {
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	client := github.NewClient(httpClient)
	trimmedBaseURL := strings.TrimSpace(apiBaseURL)
	if trimmedBaseURL == "" {
		return client, nil
	}

	parsedURL, err := url.Parse(trimmedBaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse github api base url: %w", err)
	}
	if parsedURL.Scheme == "" || parsedURL.Host == "" {
		return nil, fmt.Errorf("parse github api base url: missing scheme or host")
	}
	if !strings.HasSuffix(parsedURL.Path, "/") {
		parsedURL.Path += "/"
	}

	client.BaseURL = parsedURL
	return client, nil
}

// NewGraphQLClient creates a GitHub GraphQL client. An empty URL targets github.com.
func NewGraphQLClient(httpClient *http.Client, graphqlURL string) *githubv4.Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	trimmed := strings.TrimSpace(graphqlURL)
	if trimmed == "" {
		return githubv4.NewClient(httpClient)
	}
	return githubv4.NewEnterpriseClient(trimmed, httpClient)
}

// ResolverConfig configures credential resolution.
type ResolverConfig struct {
	APIBaseURL     string
	GraphQLURL     string
	RequestTimeout time.Duration
	DefaultToken   string
	UserTokens     map[string]string
	Installation   InstallationAuthConfig
	Pacing         PacingPolicy
	BaseTransport  http.RoundTripper
}

// Credential is an authenticated route to GitHub for one actor.
type Credential struct {
	// Source is "user", "token" or "installation".
	Source     string
	HTTPClient *http.Client
	Pacing     *PacingTransport
}

// CredentialResolver maps a username to the credential used for its outbound calls.
// Users without their own token share the system credential and its quota pacing.
type CredentialResolver struct {
	cfg    ResolverConfig
	logger *zap.Logger

	mu     sync.Mutex
	pacers map[string]*PacingTransport
}

// NewCredentialResolver creates a resolver.
func NewCredentialResolver(cfg ResolverConfig, logger *zap.Logger) *CredentialResolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	tokens := make(map[string]string, len(cfg.UserTokens))
	for user, token := range cfg.UserTokens {
		tokens[strings.ToLower(strings.TrimSpace(user))] = token
	}
	cfg.UserTokens = tokens
	return &CredentialResolver{
		cfg:    cfg,
		logger: logger,
		pacers: make(map[string]*PacingTransport),
	}
}

// Resolve returns the credential for username.
func (r *CredentialResolver) Resolve(_ context.Context, username string) (Credential, error) {
	key := strings.ToLower(strings.TrimSpace(username))
	if token, ok := r.cfg.UserTokens[key]; ok && strings.TrimSpace(token) != "" {
		return r.build("user:"+key, "user", func(base http.RoundTripper) (http.RoundTripper, error) {
			return NewTokenTransport(base, token)
		})
	}
	if strings.TrimSpace(r.cfg.DefaultToken) != "" {
		return r.build("system:token", "token", func(base http.RoundTripper) (http.RoundTripper, error) {
			return NewTokenTransport(base, r.cfg.DefaultToken)
		})
	}
	if r.cfg.Installation.Enabled() {
		return r.build("system:installation", "installation", func(base http.RoundTripper) (http.RoundTripper, error) {
			return NewInstallationTransport(base, r.cfg.Installation)
		})
	}
	return Credential{}, ErrNoCredential
}

// NewDataClient resolves the credential for username and builds a data client on it.
func (r *CredentialResolver) NewDataClient(ctx context.Context, username string, executor *Executor) (*DataClient, error) {
	credential, err := r.Resolve(ctx, username)
	if err != nil {
		return nil, err
	}
	rest, err := NewRESTClient(credential.HTTPClient, r.cfg.APIBaseURL)
	if err != nil {
		return nil, err
	}
	return NewDataClient(rest, NewGraphQLClient(credential.HTTPClient, r.cfg.GraphQLURL), executor), nil
}

// Pacers returns the pacing transports created so far, keyed by credential.
func (r *CredentialResolver) Pacers() map[string]*PacingTransport {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]*PacingTransport, len(r.pacers))
	for key, pacer := range r.pacers {
		out[key] = pacer
	}
	return out
}

func (r *CredentialResolver) build(key, source string, wrap func(http.RoundTripper) (http.RoundTripper, error)) (Credential, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	pacer, ok := r.pacers[key]
	if !ok {
		pacer = NewPacingTransport(r.cfg.BaseTransport, r.cfg.Pacing, r.logger)
		r.pacers[key] = pacer
	}
	transport, err := wrap(pacer)
	if err != nil {
		return Credential{}, err
	}
	return Credential{
		Source: source,
		HTTPClient: &http.Client{
			Transport: transport,
			Timeout:   r.cfg.RequestTimeout,
		},
		Pacing: pacer,
	}, nil
}
