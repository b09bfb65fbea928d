package metadata

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

const (
	// TokenTTL is the lifetime requested for every IMDSv2 session token.
	TokenTTL = 21600 * time.Second
	// tokenSafetyMargin forces a refresh before the service-side expiry so a
	// token is never presented close to its deadline.
	tokenSafetyMargin = 120 * time.Second

	// tokenPath is relative to the fetcher's base URL, which already ends
	// in the API version segment.
	tokenPath      = "api/token"
	tokenTTLHeader = "X-aws-ec2-metadata-token-ttl-seconds"
)

// TokenSource issues and caches the EC2 IMDSv2 session token. The cached
// token is re-issued once its age crosses the TTL minus a safety margin.
// It assumes a single boot-time caller and is not safe for concurrent use.
type TokenSource struct {
	fetcher *Fetcher

	token    string
	issuedAt time.Time

	now func() time.Time
}

// NewTokenSource builds a token source backed by the given fetcher.
func NewTokenSource(fetcher *Fetcher) *TokenSource {
	return &TokenSource{
		fetcher: fetcher,
		now:     time.Now,
	}
}

// Token returns a session token that is valid for at least the safety margin,
// refreshing it first when needed.
func (s *TokenSource) Token(ctx context.Context) (string, error) {
	if s.valid() {
		return s.token, nil
	}

	token, err := s.fetcher.Text(ctx, Request{
		Path:   tokenPath,
		Method: http.MethodPut,
		Headers: map[string]string{
			tokenTTLHeader: fmt.Sprintf("%d", int(TokenTTL.Seconds())),
		},
	})
	if err != nil {
		return "", fmt.Errorf("issue metadata token: %w", err)
	}

	s.token = token
	s.issuedAt = s.now()

	return s.token, nil
}

func (s *TokenSource) valid() bool {
	if s.token == "" {
		return false
	}

	age := s.now().Sub(s.issuedAt)

	return age < TokenTTL-tokenSafetyMargin
}
