package fetcher

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
	"time"

	"github.com/rs/zerolog"
)

// JSONOptions parameterise the HTTP/JSON adapter.
type JSONOptions struct {
	// Path is appended to the endpoint URL; "{item}" is replaced by the item id.
	Path      string
	Retries   int
	Backoff   time.Duration
	Timeout   time.Duration
	UserAgent string
}

// JSON fetches draw state from a JSON HTTP API.
type JSON struct {
	opts   JSONOptions
	logger zerolog.Logger
	client *http.Client
}

// NewJSON constructs a JSON adapter.
func NewJSON(opts JSONOptions, logger zerolog.Logger) *JSON {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if opts.Path == "" {
		opts.Path = "/{item}"
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 200 * time.Millisecond
	}
	return &JSON{
		opts:   opts,
		logger: logger.With().Str("component", "json_adapter").Logger(),
		client: &http.Client{Timeout: timeout},
	}
}

// Fetch requests the item and decodes it, retrying transport errors and 5xx.
func (j *JSON) Fetch(ctx context.Context, itemID, endpointURL string) (Record, error) {
	if endpointURL == "" {
		return Record{}, errors.New("endpoint url not configured")
	}
	target := strings.TrimRight(endpointURL, "/") + strings.ReplaceAll(j.opts.Path, "{item}", url.PathEscape(itemID))

	var lastErr error
	for attempt := 0; attempt <= j.opts.Retries; attempt++ {
		if attempt > 0 {
			wait := j.opts.Backoff * time.Duration(1<<(attempt-1))
			select {
			case <-ctx.Done():
				return Record{}, ctx.Err()
			case <-time.After(wait):
			}
		}

		record, retry, err := j.fetchOnce(ctx, target)
		if err == nil {
			return record, nil
		}
		lastErr = err
		if !retry {
			break
		}
		j.logger.Debug().Err(err).Str("item", itemID).Int("attempt", attempt+1).Msg("fetch attempt failed")
	}
	return Record{}, lastErr
}

func (j *JSON) fetchOnce(ctx context.Context, target string) (Record, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return Record{}, false, err
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(j.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	}

	resp, err := j.client.Do(req)
	if err != nil {
		return Record{}, ctx.Err() == nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return Record{}, true, err
	}
	if resp.StatusCode != http.StatusOK {
		return Record{}, resp.StatusCode >= http.StatusInternalServerError, parseHTTPError(resp.StatusCode, payload)
	}

	record, err := decodeRecord(payload)
	if err != nil {
		return Record{}, false, err
	}
	return record, false, nil
}

type drawResponse struct {
	Period    json.RawMessage `json:"period"`
	DrawTime  json.RawMessage `json:"draw_time"`
	Countdown *int            `json:"countdown"`
}

func decodeRecord(payload []byte) (Record, error) {
	var res drawResponse
	if err := json.Unmarshal(payload, &res); err != nil {
		return Record{}, fmt.Errorf("decode draw response: %w", err)
	}
	period, err := scalarString(res.Period)
	if err != nil {
		return Record{}, fmt.Errorf("decode period: %w", err)
	}
	drawTime, err := parseDrawTime(res.DrawTime)
	if err != nil {
		return Record{}, fmt.Errorf("decode draw_time: %w", err)
	}
	return Record{
		Period:    period,
		DrawTime:  drawTime,
		Countdown: res.Countdown,
		Payload:   json.RawMessage(payload),
	}, nil
}

// scalarString accepts a JSON string or number.
func scalarString(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", err
		}
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", err
	}
	return n.String(), nil
}

// parseDrawTime accepts RFC 3339 text, "2006-01-02 15:04:05" (UTC) or unix seconds.
func parseDrawTime(raw json.RawMessage) (time.Time, error) {
	text, err := scalarString(raw)
	if err != nil || text == "" {
		return time.Time{}, err
	}
	if secs, err := strconv.ParseInt(text, 10, 64); err == nil {
		return time.Unix(secs, 0).UTC(), nil
	}
	if t, err := time.Parse(time.RFC3339, text); err == nil {
		return t.UTC(), nil
	}
	return time.Parse(time.DateTime, text)
}

func parseHTTPError(status int, payload []byte) error {
	var apiErr struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.Message != "" {
			return fmt.Errorf("upstream error (%d): %s", status, apiErr.Message)
		}
		if apiErr.Error != "" {
			return fmt.Errorf("upstream error (%d): %s", status, apiErr.Error)
		}
	}
	if len(payload) > 0 && len(payload) < 512 {
		return fmt.Errorf("upstream error (%d): %s", status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("upstream error (%d)", status)
}

var _ Adapter = (*JSON)(nil)
