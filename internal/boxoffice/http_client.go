package boxoffice

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/prohmpiriya/theater-seat-inventory/pkg/logger"
	"github.com/prohmpiriya/theater-seat-inventory/pkg/retry"
	"github.com/prohmpiriya/theater-seat-inventory/pkg/telemetry"
	"go.uber.org/zap"
)

// Response codes
const (
	CodeOK          = "0"
	CodeAuthExpired = "17010010"
)

// CredentialProvider supplies a valid session token for an account, or ErrAuthExpired
type CredentialProvider interface {
	Token(ctx context.Context, account string) (string, error)
}

// StaticCredentials maps accounts to fixed tokens
type StaticCredentials map[string]string

func (s StaticCredentials) Token(ctx context.Context, account string) (string, error) {
	tok, ok := s[account]
	if !ok || tok == "" {
		return "", ErrAuthExpired
	}
	return tok, nil
}

// HTTPClientConfig configures the box-office HTTP client
type HTTPClientConfig struct {
	BaseURL string
	Timeout time.Duration
	Retry   *retry.Policy
}

// HTTPClient talks to the box-office API
type HTTPClient struct {
	baseURL     string
	httpClient  *http.Client
	credentials CredentialProvider
	retrier     *retry.Retrier
}

// NewHTTPClient creates a new box-office client
func NewHTTPClient(cfg *HTTPClientConfig, credentials CredentialProvider) *HTTPClient {
	timeout := 10 * time.Second
	if cfg.Timeout > 0 {
		timeout = cfg.Timeout
	}
	policy := cfg.Retry
	if policy == nil {
		policy = &retry.Policy{
			MaxAttempts:  3,
			InitialDelay: 200 * time.Millisecond,
			MaxDelay:     2 * time.Second,
			Multiplier:   2.0,
			Jitter:       0.1,
		}
	}
	return &HTTPClient{
		baseURL:     cfg.BaseURL,
		httpClient:  &http.Client{Timeout: timeout},
		credentials: credentials,
		retrier:     retry.New(policy),
	}
}

// envelope is the box-office response wrapper
type envelope struct {
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type seatPayload struct {
	PerformSeatID string `json:"performSeatId"`
	FloorName     string `json:"floorName"`
	StandName     string `json:"standName"`
	RowName       string `json:"rowName"`
	SeatNum       string `json:"seatNum"`
	Ticket        struct {
		CanOperate *bool  `json:"canOperate"`
		LockTagID  string `json:"lockTagId"`
		Remark     string `json:"remark"`
	} `json:"ticket"`
}

type seatListPayload struct {
	Seats []seatPayload `json:"seats"`
}

type lockRequest struct {
	SeatIDs []string `json:"performSeatIds"`
	Remark  string   `json:"remark,omitempty"`
}

// ListSeats fetches the full seat list of a performance
func (c *HTTPClient) ListSeats(ctx context.Context, account, performanceID string) ([]SeatState, error) {
	path := fmt.Sprintf("/performances/%s/seats", url.PathEscape(performanceID))

	var payload seatListPayload
	if err := c.call(ctx, account, http.MethodGet, path, nil, &payload); err != nil {
		return nil, err
	}

	seats := make([]SeatState, len(payload.Seats))
	for i, s := range payload.Seats {
		if s.PerformSeatID == "" || s.Ticket.CanOperate == nil {
			return nil, fmt.Errorf("%w: seat %d missing performSeatId or canOperate", ErrMalformed, i)
		}
		seats[i] = SeatState{
			ExternalSeatID: s.PerformSeatID,
			Floor:          s.FloorName,
			Stand:          s.StandName,
			Row:            s.RowName,
			Column:         s.SeatNum,
			Sellable:       *s.Ticket.CanOperate,
			LockTag:        s.Ticket.LockTagID,
			Remark:         s.Ticket.Remark,
		}
	}
	SortSeats(seats)
	if err := CheckUnique(seats); err != nil {
		return nil, err
	}
	return seats, nil
}

// LockSeats places holds on seats
func (c *HTTPClient) LockSeats(ctx context.Context, account, performanceID string, externalSeatIDs []string, remark string) error {
	path := fmt.Sprintf("/performances/%s/seats/lock", url.PathEscape(performanceID))
	return c.call(ctx, account, http.MethodPost, path, &lockRequest{SeatIDs: externalSeatIDs, Remark: remark}, nil)
}

// UnlockSeats lifts holds on seats
func (c *HTTPClient) UnlockSeats(ctx context.Context, account, performanceID string, externalSeatIDs []string) error {
	path := fmt.Sprintf("/performances/%s/seats/unlock", url.PathEscape(performanceID))
	return c.call(ctx, account, http.MethodPost, path, &lockRequest{SeatIDs: externalSeatIDs}, nil)
}

// call runs one request under the retry policy. Auth, schema and 4xx failures are
// not retried.
func (c *HTTPClient) call(ctx context.Context, account, method, path string, body, out interface{}) error {
	res := c.retrier.DoWithCallback(ctx, func(ctx context.Context) error {
		return c.do(ctx, account, method, path, body, out)
	}, func(attempt int, err error, wait time.Duration) {
		logger.Get().Warn("box office call failed, retrying",
			zap.String("account", account),
			zap.String("path", path),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	})
	if res.Err == nil {
		return nil
	}
	if res.LastError != nil {
		return res.LastError
	}
	return res.Err
}

func (c *HTTPClient) do(ctx context.Context, account, method, path string, body, out interface{}) error {
	token, err := c.credentials.Token(ctx, account)
	if err != nil {
		return retry.Permanent(err)
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return retry.Permanent(fmt.Errorf("failed to marshal request: %w", err))
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return retry.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	telemetry.InjectHTTP(ctx, req.Header)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return retry.Permanent(ErrAuthExpired)
	case resp.StatusCode == http.StatusNotFound:
		return retry.Permanent(ErrPerformanceNotFound)
	case resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return retry.Permanent(fmt.Errorf("unexpected status code: %d", resp.StatusCode))
	}

	var env envelope
	if err := decodeStrict(resp.Body, &env); err != nil {
		return retry.Permanent(err)
	}
	switch env.Code {
	case CodeOK:
	case CodeAuthExpired:
		return retry.Permanent(ErrAuthExpired)
	default:
		return retry.Permanent(fmt.Errorf("box office error %s: %s", env.Code, env.Message))
	}

	if out == nil {
		return nil
	}
	if len(env.Data) == 0 {
		return retry.Permanent(fmt.Errorf("%w: empty data", ErrMalformed))
	}
	if err := decodeStrict(bytes.NewReader(env.Data), out); err != nil {
		return retry.Permanent(err)
	}
	return nil
}

// decodeStrict rejects unknown fields and trailing data
func decodeStrict(r io.Reader, v interface{}) error {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if dec.More() {
		return fmt.Errorf("%w: trailing data", ErrMalformed)
	}
	return nil
}

// IsRetryable reports whether a failed call may succeed on a later cycle
func IsRetryable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
