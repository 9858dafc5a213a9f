package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"collabServer/backend/internal/protocol"
)

// HTTPAPI talks to the chat REST endpoints of the collab server.
type HTTPAPI struct {
	base   string
	token  string
	client *http.Client
}

// NewHTTPAPI expects baseURL without a path suffix, e.g. http://localhost:8090.
func NewHTTPAPI(baseURL, token string, client *http.Client) *HTTPAPI {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &HTTPAPI{base: strings.TrimRight(baseURL, "/"), token: token, client: client}
}

type sendMessageReq struct {
	Content     string                `json:"content"`
	Attachments []protocol.Attachment `json:"attachments,omitempty"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// StatusError is returned for any non-2xx response.
type StatusError struct {
	Status  int
	Code    string
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("chat api: %d %s: %s", e.Status, e.Code, e.Message)
}

func (a *HTTPAPI) SendMessage(ctx context.Context, channelID, content string, attachments []protocol.Attachment) (protocol.ChatMessage, error) {
	var out protocol.ChatMessage
	body := sendMessageReq{Content: content, Attachments: attachments}
	err := a.do(ctx, "/chat/channels/"+url.PathEscape(channelID)+"/messages", body, &out)
	return out, err
}

func (a *HTTPAPI) MarkRead(ctx context.Context, channelID string) error {
	return a.do(ctx, "/chat/channels/"+url.PathEscape(channelID)+"/read", struct{}{}, nil)
}

func (a *HTTPAPI) do(ctx context.Context, path string, in, out any) error {
	raw, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.base+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var e apiError
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return &StatusError{Status: resp.StatusCode, Code: e.Code, Message: e.Message}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
