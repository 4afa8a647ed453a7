package sync

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	apperrors "github.com/kimhsiao/schooldesk/backend/internal/errors"
	"github.com/kimhsiao/schooldesk/backend/internal/models"
	"github.com/kimhsiao/schooldesk/backend/internal/sync/conflict"
)

// RemoteConfig holds the district data service connection settings.
type RemoteConfig struct {
	BaseURL  string
	APIToken string
	Timeout  time.Duration
}

// HTTPRemote implements RemoteStore against the district data service's
// REST API. Responses are mapped onto the failure taxonomy: 409 is a
// conflict, 429 retries after the limiter reset, 5xx and transport errors
// are retryable, any other 4xx is terminal.
type HTTPRemote struct {
	config     *RemoteConfig
	httpClient *http.Client
}

// NewHTTPRemote creates an HTTPRemote. Timeout <= 0 defaults to 30s.
func NewHTTPRemote(config *RemoteConfig) *HTTPRemote {
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPRemote{
		config: config,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 30 * time.Second,
			},
		},
	}
}

// applyRequest is the JSON body of an apply call.
type applyRequest struct {
	Fields        map[string]interface{} `json:"fields,omitempty"`
	BaseTimestamp int64                  `json:"base_timestamp,omitempty"`
}

// applyResponse is the JSON body of a successful apply.
type applyResponse struct {
	ModifiedAt int64 `json:"modified_at"`
}

// conflictResponse is the JSON body of a 409.
type conflictResponse struct {
	Remote struct {
		Fields          map[string]interface{} `json:"fields"`
		ModifiedAt      int64                  `json:"modified_at"`
		FieldModifiedAt map[string]int64       `json:"field_modified_at"`
	} `json:"remote"`
}

// Apply sends one mutation to the remote. The idempotency key rides in a
// header so at-least-once delivery never duplicates a write.
func (c *HTTPRemote) Apply(ctx context.Context, table string, op models.Operation, idempotencyKey string, payload *models.MutationPayload) (*ApplyResult, error) {
	req, err := c.createRequest(ctx, table, op, idempotencyKey, payload)
	if err != nil {
		return nil, apperrors.NewValidationError("cannot build apply request", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK,
		resp.StatusCode == http.StatusCreated,
		resp.StatusCode == http.StatusNoContent:
		var body applyResponse
		if resp.StatusCode != http.StatusNoContent {
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				return nil, apperrors.NewUnknownError(fmt.Errorf("undecodable apply response: %w", err))
			}
		}
		return &ApplyResult{RemoteModifiedAt: body.ModifiedAt}, nil

	case resp.StatusCode == http.StatusConflict:
		var body conflictResponse
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			// A conflict with no readable remote state still must reach
			// the resolver; it lands in manual review there.
			return &ApplyResult{Conflict: true}, nil
		}
		return &ApplyResult{
			Conflict: true,
			RemoteState: &conflict.RemoteState{
				Fields:          body.Remote.Fields,
				ModifiedAt:      body.Remote.ModifiedAt,
				FieldModifiedAt: body.Remote.FieldModifiedAt,
			},
		}, nil

	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, apperrors.NewRateLimitedError(parseRetryAfter(resp))

	case resp.StatusCode >= 500:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, apperrors.NewServerError(resp.StatusCode, fmt.Errorf("%s", body))

	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, apperrors.NewValidationError(
			fmt.Sprintf("remote rejected apply (status %d)", resp.StatusCode),
			fmt.Errorf("%s", body))
	}
}

// createRequest maps a mutation onto the record API.
func (c *HTTPRemote) createRequest(ctx context.Context, table string, op models.Operation, idempotencyKey string, payload *models.MutationPayload) (*http.Request, error) {
	base := fmt.Sprintf("%s/api/tables/%s/records", c.config.BaseURL, url.PathEscape(table))

	var method, urlStr string
	switch op {
	case models.OperationCreate:
		method, urlStr = http.MethodPost, base
	case models.OperationUpdate:
		method, urlStr = http.MethodPatch, base+"/"+url.PathEscape(payload.EntityID)
	case models.OperationDelete:
		method, urlStr = http.MethodDelete, base+"/"+url.PathEscape(payload.EntityID)
	default:
		return nil, fmt.Errorf("unknown operation: %s", op)
	}

	var body io.Reader
	if op != models.OperationDelete {
		data, err := json.Marshal(applyRequest{
			Fields:        payload.Fields,
			BaseTimestamp: payload.BaseTimestamp,
		})
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, urlStr, body)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", idempotencyKey)
	if c.config.APIToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIToken)
	}
	return req, nil
}

// classifyTransportError separates timeouts from other network failures;
// both are retryable.
func classifyTransportError(err error) error {
	var netErr net.Error
	if stderrors.As(err, &netErr) && netErr.Timeout() {
		return apperrors.NewTimeoutError(err)
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return apperrors.NewTimeoutError(err)
	}
	return apperrors.NewNetworkError(err)
}

// parseRetryAfter reads the Retry-After header in seconds, defaulting to
// one minute when absent or unparsable.
func parseRetryAfter(resp *http.Response) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return time.Minute
}

// TestConnection verifies the remote is reachable.
func (c *HTTPRemote) TestConnection(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.BaseURL+"/api/health", nil)
	if err != nil {
		return err
	}
	if c.config.APIToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return classifyTransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return apperrors.NewServerError(resp.StatusCode, nil)
	}
	return nil
}
