package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"presence-service/internal/domain"
	"presence-service/internal/dto"
	"presence-service/internal/metrics"
)

// PresenceClient talks to the presence API on behalf of one participant.
// It is the Writer and Reader a presencesync Session and Watcher run on.
type PresenceClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
	metrics    *metrics.Metrics

	mu    sync.RWMutex
	token string
}

// NewPresenceClient creates a client for the API mounted at baseURL,
// e.g. "http://localhost:8003/api/presence".
func NewPresenceClient(baseURL, token string, timeout time.Duration, logger *zap.Logger, m *metrics.Metrics) *PresenceClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PresenceClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger:  logger,
		metrics: m,
		token:   token,
	}
}

// SetToken replaces the bearer token, e.g. after a refresh.
func (c *PresenceClient) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

// Upsert sends patch for the caller's own record
func (c *PresenceClient) Upsert(ctx context.Context, workspaceID uuid.UUID, patch domain.PresencePatch) error {
	body, err := json.Marshal(dto.FromPatch(patch))
	if err != nil {
		return fmt.Errorf("failed to marshal presence: %w", err)
	}
	resp, err := c.do(ctx, http.MethodPut, c.presenceURL(workspaceID, ""), body)
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrWriteFailed, err)
	}
	defer resp.Body.Close()
	return checkStatus(resp, domain.ErrWriteFailed)
}

// Remove deletes the caller's own record
func (c *PresenceClient) Remove(ctx context.Context, workspaceID uuid.UUID) error {
	resp, err := c.do(ctx, http.MethodDelete, c.presenceURL(workspaceID, ""), nil)
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrWriteFailed, err)
	}
	defer resp.Body.Close()
	return checkStatus(resp, domain.ErrWriteFailed)
}

// ListRecent returns the workspace's records seen within maxAge
func (c *PresenceClient) ListRecent(ctx context.Context, workspaceID uuid.UUID, maxAge time.Duration) ([]domain.Presence, error) {
	url := c.presenceURL(workspaceID, "")
	if maxAge > 0 {
		ms := maxAge.Milliseconds()
		if maxAge%time.Millisecond != 0 {
			ms++
		}
		url += "?maxAgeMs=" + strconv.FormatInt(ms, 10)
	}
	resp, err := c.do(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp, nil); err != nil {
		return nil, err
	}

	var envelope struct {
		Data dto.ListPresenceResponse `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("failed to decode presence list: %w", err)
	}
	records := make([]domain.Presence, 0, len(envelope.Data.Presences))
	for _, p := range envelope.Data.Presences {
		records = append(records, p.Presence)
	}
	return records, nil
}

// HasActiveCollaborators reports whether anyone else was seen in the
// workspace recently.
func (c *PresenceClient) HasActiveCollaborators(ctx context.Context, workspaceID uuid.UUID) (bool, error) {
	resp, err := c.do(ctx, http.MethodGet, c.presenceURL(workspaceID, "/active"), nil)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp, nil); err != nil {
		return false, err
	}

	var envelope struct {
		Data dto.ActiveCollaboratorsResponse `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return false, fmt.Errorf("failed to decode active collaborators: %w", err)
	}
	return envelope.Data.HasActiveCollaborators, nil
}

func (c *PresenceClient) presenceURL(workspaceID uuid.UUID, suffix string) string {
	return fmt.Sprintf("%s/workspaces/%s/presence%s", c.baseURL, workspaceID, suffix)
}

func (c *PresenceClient) do(ctx context.Context, method, url string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.mu.RLock()
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	c.mu.RUnlock()

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	statusCode := 0
	if resp != nil {
		statusCode = resp.StatusCode
	}
	c.metrics.RecordExternalAPICall(url, method, statusCode, time.Since(start), err)

	if err != nil {
		c.logger.Debug("Presence request failed",
			zap.String("method", method),
			zap.String("url", url),
			zap.Error(err))
		return nil, err
	}
	return resp, nil
}

// checkStatus maps a non-2xx response to an error. 401 is always
// ErrNotAuthenticated; other failures wrap kind when it is set.
func checkStatus(resp *http.Response, kind error) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return domain.ErrNotAuthenticated
	}

	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&envelope)
	err := fmt.Errorf("presence API returned %d %s: %s", resp.StatusCode, envelope.Error.Code, envelope.Error.Message)
	if kind != nil {
		return fmt.Errorf("%w: %w", kind, err)
	}
	return err
}
