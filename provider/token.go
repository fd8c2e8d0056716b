package provider

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
)

const tokenRefreshMargin = 30 * time.Second

// tokenSource fetches client-credentials tokens and caches them until shortly
// before they expire.
type tokenSource struct {
	mu        sync.Mutex
	config    ProviderConfig
	client    *http.Client
	token     string
	expiresAt time.Time
	now       func() time.Time
}

func newTokenSource(config ProviderConfig, client *http.Client) *tokenSource {
	return &tokenSource{config: config, client: client, now: time.Now}
}

func (t *tokenSource) Token(ctx context.Context) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.token != "" && t.now().Add(tokenRefreshMargin).Before(t.expiresAt) {
		return t.token, nil
	}

	form := url.Values{}
	form.Set("grant_type", "client_credentials")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.config.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", errors.Wrap(err, "failed to create token request")
	}
	req.SetBasicAuth(t.config.APIKey, t.config.APISecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := t.client.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "token request failed")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", errors.Wrap(err, "failed to read token response")
	}
	if resp.StatusCode >= 400 {
		return "", &HTTPError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var payload struct {
		AccessToken string      `json:"access_token"`
		ExpiresIn   json.Number `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", errors.Wrap(err, "failed to parse token response")
	}
	if payload.AccessToken == "" {
		return "", errors.New("token response missing access_token")
	}

	expiresIn, err := payload.ExpiresIn.Int64()
	if err != nil || expiresIn <= 0 {
		expiresIn = 300
	}
	t.token = payload.AccessToken
	t.expiresAt = t.now().Add(time.Duration(expiresIn) * time.Second)
	return t.token, nil
}
