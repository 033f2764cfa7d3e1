package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/blacklist-sync/internal/blacklist"
	"github.com/MarcoPoloResearchLab/blacklist-sync/pkg/api"
)

// DeltaSource serves log pages and records how far a client has applied them.
type DeltaSource interface {
	FetchDelta(ctx context.Context, clientID blacklist.ClientID, since blacklist.OperationTime, limit int) (blacklist.Delta, error)
	AdvanceCursor(ctx context.Context, clientID blacklist.ClientID, lastSyncTime blacklist.OperationTime) error
}

// ServiceSource reads the log through an in-process service.
type ServiceSource struct {
	Service *blacklist.Service
}

// FetchDelta implements DeltaSource.
func (source ServiceSource) FetchDelta(ctx context.Context, clientID blacklist.ClientID, since blacklist.OperationTime, limit int) (blacklist.Delta, error) {
	return source.Service.FetchDelta(ctx, blacklist.DeltaRequest{ClientID: clientID, Since: &since, Limit: limit})
}

// AdvanceCursor implements DeltaSource.
func (source ServiceSource) AdvanceCursor(ctx context.Context, clientID blacklist.ClientID, lastSyncTime blacklist.OperationTime) error {
	_, err := source.Service.AdvanceCursor(ctx, clientID, lastSyncTime)
	return err
}

const defaultHTTPTimeout = 30 * time.Second

// ErrUnauthorized is returned when the server rejects the client credentials.
var ErrUnauthorized = errors.New("agent: unauthorized")

// StatusError carries a non-2xx server answer.
type StatusError struct {
	StatusCode int
	Response   api.ErrorResponse
}

func (e *StatusError) Error() string {
	if e.Response.Code != "" {
		return fmt.Sprintf("server error (%d): %s (%s)", e.StatusCode, e.Response.Error, e.Response.Code)
	}
	return fmt.Sprintf("server error (%d): %s", e.StatusCode, e.Response.Error)
}

// Unwrap maps 401 answers to ErrUnauthorized.
func (e *StatusError) Unwrap() error {
	if e.StatusCode == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	return nil
}

// HTTPSourceConfig describes the server an HTTPSource talks to.
type HTTPSourceConfig struct {
	BaseURL      string
	ClientSecret string
	Timeout      time.Duration
	HTTPClient   *http.Client
}

// HTTPSource speaks the sync HTTP API, fetching and refreshing a bearer token
// for the client id it is asked about.
type HTTPSource struct {
	baseURL      string
	clientSecret string
	httpClient   *http.Client

	mu          sync.Mutex
	token       string
	tokenClient blacklist.ClientID
}

// NewHTTPSource validates cfg and constructs an HTTPSource.
func NewHTTPSource(cfg HTTPSourceConfig) (*HTTPSource, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("agent: server url required")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("agent: invalid server url: %w", err)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultHTTPTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &HTTPSource{
		baseURL:      baseURL,
		clientSecret: cfg.ClientSecret,
		httpClient:   httpClient,
	}, nil
}

// FetchDelta implements DeltaSource.
func (source *HTTPSource) FetchDelta(ctx context.Context, clientID blacklist.ClientID, since blacklist.OperationTime, limit int) (blacklist.Delta, error) {
	query := url.Values{}
	query.Set("since", strconv.FormatInt(since.Int64(), 10))
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}

	var response api.DeltaResponse
	if err := source.authorized(ctx, clientID, http.MethodGet, "/sync/delta?"+query.Encode(), nil, &response); err != nil {
		return blacklist.Delta{}, fmt.Errorf("delta request failed: %w", err)
	}
	delta, err := blacklist.DeltaFromAPI(response)
	if err != nil {
		return blacklist.Delta{}, fmt.Errorf("invalid delta response: %w", err)
	}
	return delta, nil
}

// AdvanceCursor implements DeltaSource.
func (source *HTTPSource) AdvanceCursor(ctx context.Context, clientID blacklist.ClientID, lastSyncTime blacklist.OperationTime) error {
	request := api.AdvanceCursorRequest{LastSyncTimeUS: lastSyncTime.Int64()}
	var response api.CursorResponse
	if err := source.authorized(ctx, clientID, http.MethodPost, "/sync/cursor", request, &response); err != nil {
		return fmt.Errorf("cursor request failed: %w", err)
	}
	return nil
}

// authorized performs a bearer request, re-authenticating once when the token
// was rejected.
func (source *HTTPSource) authorized(ctx context.Context, clientID blacklist.ClientID, method, path string, body, result any) error {
	token, err := source.bearer(ctx, clientID, false)
	if err != nil {
		return err
	}
	err = source.do(ctx, method, path, token, body, result)
	if !errors.Is(err, ErrUnauthorized) {
		return err
	}
	token, err = source.bearer(ctx, clientID, true)
	if err != nil {
		return err
	}
	return source.do(ctx, method, path, token, body, result)
}

func (source *HTTPSource) bearer(ctx context.Context, clientID blacklist.ClientID, refresh bool) (string, error) {
	source.mu.Lock()
	defer source.mu.Unlock()

	if !refresh && source.token != "" && source.tokenClient == clientID {
		return source.token, nil
	}

	var response api.TokenResponse
	request := api.TokenRequest{ClientID: clientID.String(), ClientSecret: source.clientSecret}
	if err := source.do(ctx, http.MethodPost, "/auth/token", "", request, &response); err != nil {
		return "", fmt.Errorf("token request failed: %w", err)
	}
	source.token = response.AccessToken
	source.tokenClient = clientID
	return source.token, nil
}

func (source *HTTPSource) do(ctx context.Context, method, path, token string, body, result any) error {
	var bodyReader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, method, source.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}

	response, err := source.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() {
		_ = response.Body.Close()
	}()

	payload, err := io.ReadAll(response.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		statusErr := &StatusError{StatusCode: response.StatusCode}
		if err := json.Unmarshal(payload, &statusErr.Response); err != nil || statusErr.Response.Error == "" {
			statusErr.Response.Error = strings.TrimSpace(string(payload))
		}
		return statusErr
	}

	if result != nil {
		if err := json.Unmarshal(payload, result); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}
