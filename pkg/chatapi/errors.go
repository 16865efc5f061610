package chatapi

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/pkg/errors"
)

// ErrSessionNotFound is returned when the backend has no history for a session.
var ErrSessionNotFound = errors.New("session not found")

// ErrEmptyStreamID is returned when an initiate response carries no stream handle.
var ErrEmptyStreamID = errors.New("initiate response has empty streamId")

const maxErrorBody = 4 << 10

// APIError is a non-200 answer from the backend.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("backend returned %d", e.StatusCode)
	}
	return fmt.Sprintf("%s (%d)", e.Message, e.StatusCode)
}

// StatusCode extracts the HTTP status from an error chain, or 0.
func StatusCode(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

// readAPIError builds an APIError from a failed response. A JSON body with a
// message or error field wins over the status text.
func readAPIError(resp *http.Response) *APIError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	msg := ""
	var payload struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(body, &payload) == nil {
		msg = payload.Message
		if msg == "" {
			msg = payload.Error
		}
	}
	if msg == "" && !strings.HasPrefix(strings.TrimSpace(string(body)), "{") {
		msg = strings.TrimSpace(string(body))
	}
	if msg == "" {
		msg = strings.ToLower(http.StatusText(resp.StatusCode))
	}
	return &APIError{StatusCode: resp.StatusCode, Message: msg}
}
