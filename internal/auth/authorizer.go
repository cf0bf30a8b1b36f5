package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// Authorizer decides whether a principal may administer a resource.
type Authorizer interface {
	IsAdministrator(ctx context.Context, p *Principal, resource string) (bool, error)
}

// ClaimsAuthorizer grants administration from token roles: adminRole covers
// every resource, "<adminRole>:<resource>" covers one.
type ClaimsAuthorizer struct {
	AdminRole string
}

func (a ClaimsAuthorizer) IsAdministrator(_ context.Context, p *Principal, resource string) (bool, error) {
	if p == nil {
		return false, nil
	}
	return p.HasRole(a.AdminRole) || p.HasRole(a.AdminRole+":"+resource), nil
}

type decision struct {
	allowed bool
	expires time.Time
}

type decisionKey struct {
	subject  string
	resource string
}

// RemoteAuthorizer asks an external authorization service and caches the
// answer per subject and resource for ttl.
type RemoteAuthorizer struct {
	url        string
	ttl        time.Duration
	httpClient *http.Client

	mu    sync.Mutex
	cache map[decisionKey]decision
}

// NewRemoteAuthorizer creates a RemoteAuthorizer posting to url.
func NewRemoteAuthorizer(url string, ttl time.Duration) *RemoteAuthorizer {
	return &RemoteAuthorizer{
		url:        url,
		ttl:        ttl,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		cache:      make(map[decisionKey]decision),
	}
}

type authorizationRequest struct {
	Subject  string `json:"subject"`
	Resource string `json:"resource"`
	Action   string `json:"action"`
}

type authorizationResponse struct {
	Allowed bool `json:"allowed"`
}

func (a *RemoteAuthorizer) IsAdministrator(ctx context.Context, p *Principal, resource string) (bool, error) {
	if p == nil {
		return false, nil
	}
	key := decisionKey{subject: p.Subject, resource: resource}
	a.mu.Lock()
	d, ok := a.cache[key]
	a.mu.Unlock()
	if ok && time.Now().Before(d.expires) {
		return d.allowed, nil
	}

	body, err := json.Marshal(authorizationRequest{Subject: p.Subject, Resource: resource, Action: "administer"})
	if err != nil {
		return false, fmt.Errorf("failed to marshal authorization request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("authorization service returned status code %d", resp.StatusCode)
	}

	var out authorizationResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, fmt.Errorf("failed to decode authorization response: %w", err)
	}

	a.mu.Lock()
	a.cache[key] = decision{allowed: out.Allowed, expires: time.Now().Add(a.ttl)}
	a.mu.Unlock()
	return out.Allowed, nil
}
