// HTTP-транспорт до бэкенда секретов: ролевой короткоживущий токен,
// обновляемый через /v1/token, значения — GET /v1/secret/<path>.
package secrets

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-faster/errors"
)

// HTTPFetcher реализует Fetcher поверх HTTP-бэкенда секретов.
type HTTPFetcher struct {
	baseURL string
	client  *http.Client

	mu    sync.Mutex
	token string
}

// NewHTTPFetcher собирает транспорт. bootToken — стартовый токен, которым
// подписывается первое обновление.
func NewHTTPFetcher(baseURL, bootToken string) *HTTPFetcher {
	return &HTTPFetcher{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 10 * time.Second},
		token:   bootToken,
	}
}

// Fetch возвращает значение секрета по пути.
func (f *HTTPFetcher) Fetch(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.baseURL+"/v1/secret/"+path, nil)
	if err != nil {
		return nil, errors.Wrap(err, "build request")
	}
	f.mu.Lock()
	req.Header.Set("Authorization", "Bearer "+f.token)
	f.mu.Unlock()

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "fetch secret")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("secrets backend: %s for %q", resp.Status, path)
	}
	value, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, errors.Wrap(err, "read secret")
	}
	return value, nil
}

// RenewToken обменивает текущий токен на свежий и возвращает его TTL.
func (f *HTTPFetcher) RenewToken(ctx context.Context) (time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.baseURL+"/v1/token", nil)
	if err != nil {
		return 0, errors.Wrap(err, "build request")
	}
	f.mu.Lock()
	req.Header.Set("Authorization", "Bearer "+f.token)
	f.mu.Unlock()

	resp, err := f.client.Do(req)
	if err != nil {
		return 0, errors.Wrap(err, "renew token")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return 0, errors.Errorf("secrets backend: %s on token renewal", resp.Status)
	}

	var payload struct {
		Token      string `json:"token"`
		TTLSeconds int    `json:"ttl_seconds"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return 0, errors.Wrap(err, "decode token response")
	}
	if payload.Token == "" || payload.TTLSeconds <= 0 {
		return 0, errors.New("secrets backend: empty token response")
	}

	f.mu.Lock()
	f.token = payload.Token
	f.mu.Unlock()
	return time.Duration(payload.TTLSeconds) * time.Second, nil
}
