package chatapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// HistoryEntry is one exchange as the backend stores it.
type HistoryEntry struct {
	Timestamp   time.Time `json:"timestamp"`
	UserMessage string    `json:"userMessage"`
	LLMResponse string    `json:"llmResponse"`
}

// Layouts accepted for history timestamps, tried in order. Zone-less values are
// read as UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05.999999999Z0700",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999Z0700",
	"2006-01-02 15:04:05.999999999",
}

// ParseTimestamp reads the timestamp forms backends commonly emit: RFC 3339
// with or without a zone, numeric offsets without a colon, a space instead of
// the T separator, and epoch milliseconds. An empty value is the zero time.
func ParseTimestamp(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, nil
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t, nil
		}
	}
	if ms, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	return time.Time{}, errors.Errorf("unrecognized timestamp %q", value)
}

func (e *HistoryEntry) UnmarshalJSON(data []byte) error {
	var wire struct {
		Timestamp   json.RawMessage `json:"timestamp"`
		UserMessage string          `json:"userMessage"`
		LLMResponse string          `json:"llmResponse"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}

	raw := strings.TrimSpace(string(wire.Timestamp))
	if raw != "" && raw != "null" {
		var value string
		if strings.HasPrefix(raw, `"`) {
			if err := json.Unmarshal(wire.Timestamp, &value); err != nil {
				return errors.Wrap(err, "timestamp")
			}
		} else {
			value = raw
		}
		ts, err := ParseTimestamp(value)
		if err != nil {
			return err
		}
		e.Timestamp = ts
	} else {
		e.Timestamp = time.Time{}
	}
	e.UserMessage = wire.UserMessage
	e.LLMResponse = wire.LLMResponse
	return nil
}

// HistoryResponse is the body of GET /chat/{sessionId}.
type HistoryResponse struct {
	SessionID string         `json:"sessionId"`
	Title     string         `json:"title"`
	History   []HistoryEntry `json:"history"`
}

// FetchHistory loads the stored exchanges of a session. Any non-200 answer wraps
// ErrSessionNotFound.
func (c *Client) FetchHistory(ctx context.Context, sessionID string) (*HistoryResponse, error) {
	u := c.endpoint("chat", sessionID)
	req, err := c.newRequest(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "fetch history")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		apiErr := readAPIError(resp)
		c.logger.Debug().Str("session_id", sessionID).Int("status", apiErr.StatusCode).Msg("history not available")
		return nil, errors.Wrapf(ErrSessionNotFound, "session %s: %s", sessionID, apiErr.Error())
	}

	var out HistoryResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, errors.Wrap(err, "decode history response")
	}
	return &out, nil
}
