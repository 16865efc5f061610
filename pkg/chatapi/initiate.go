package chatapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"

	"github.com/go-go-golems/sessionchat/pkg/chat"
	"github.com/pkg/errors"
)

// InitiateRequest is the payload of POST /chat.
type InitiateRequest struct {
	Message   string
	SessionID string
	UserID    string
	Files     []chat.Attachment
}

// InitiateResponse carries the stream handle for the reply.
type InitiateResponse struct {
	StreamID  string `json:"streamId"`
	SessionID string `json:"sessionId,omitempty"`
	Title     string `json:"title,omitempty"`
}

// Initiate submits a user message and returns the stream handle to subscribe to.
func (c *Client) Initiate(ctx context.Context, in InitiateRequest) (*InitiateResponse, error) {
	body, contentType, err := encodeInitiate(in)
	if err != nil {
		return nil, errors.Wrap(err, "encode initiate request")
	}

	u := c.endpoint("chat")
	req, err := c.newRequest(ctx, http.MethodPost, u, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")

	c.logger.Debug().
		Str("session_id", in.SessionID).
		Int("files", len(in.Files)).
		Msg("initiating chat request")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "initiate request")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		apiErr := readAPIError(resp)
		c.logger.Warn().Int("status", apiErr.StatusCode).Str("message", apiErr.Message).Msg("initiate rejected")
		return nil, apiErr
	}

	var out InitiateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, errors.Wrap(err, "decode initiate response")
	}
	if strings.TrimSpace(out.StreamID) == "" {
		return nil, ErrEmptyStreamID
	}
	return &out, nil
}

func encodeInitiate(in InitiateRequest) (*bytes.Buffer, string, error) {
	buf := &bytes.Buffer{}
	w := multipart.NewWriter(buf)
	if err := w.WriteField("message", in.Message); err != nil {
		return nil, "", err
	}
	if in.SessionID != "" {
		if err := w.WriteField("sessionId", in.SessionID); err != nil {
			return nil, "", err
		}
	}
	if in.UserID != "" {
		if err := w.WriteField("userId", in.UserID); err != nil {
			return nil, "", err
		}
	}
	for _, f := range in.Files {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="files"; filename="%s"`, escapeQuotes(f.Name)))
		ct := f.ContentType
		if ct == "" {
			ct = "application/octet-stream"
		}
		h.Set("Content-Type", ct)
		part, err := w.CreatePart(h)
		if err != nil {
			return nil, "", err
		}
		if _, err := part.Write(f.Data); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf, w.FormDataContentType(), nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string { return quoteEscaper.Replace(s) }
