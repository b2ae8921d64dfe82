package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Mutter0815/MassTexter/internal/apperr"
	"github.com/Mutter0815/MassTexter/pkg/logx"
)

const DefaultTelnyxURL = "https://api.telnyx.com/v2"

type TelnyxConfig struct {
	APIKey             string
	FromNumber         string
	MessagingProfileID string
	BaseURL            string
	Timeout            time.Duration
}

type Telnyx struct {
	cfg    TelnyxConfig
	client *http.Client
}

// NewTelnyx validates credentials up front: a missing key or sender number is
// a startup failure, never a per-message one.
func NewTelnyx(cfg TelnyxConfig, client *http.Client) (*Telnyx, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, apperr.Configuration("telnyx api key is not configured")
	}
	if strings.TrimSpace(cfg.FromNumber) == "" {
		return nil, apperr.Configuration("telnyx sender phone number is not configured")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultTelnyxURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &Telnyx{cfg: cfg, client: client}, nil
}

type telnyxMessageReq struct {
	From               string   `json:"from"`
	To                 string   `json:"to"`
	Text               string   `json:"text"`
	MessagingProfileID string   `json:"messaging_profile_id,omitempty"`
	MediaURLs          []string `json:"media_urls,omitempty"`
}

type telnyxMessageResp struct {
	Data struct {
		ID string `json:"id"`
	} `json:"data"`
}

type telnyxErrorResp struct {
	Errors []struct {
		Title  string `json:"title"`
		Detail string `json:"detail"`
	} `json:"errors"`
	Message string `json:"message"`
}

func (e telnyxErrorResp) text() string {
	if len(e.Errors) > 0 {
		if e.Errors[0].Detail != "" {
			return e.Errors[0].Detail
		}
		if e.Errors[0].Title != "" {
			return e.Errors[0].Title
		}
	}
	if e.Message != "" {
		return e.Message
	}
	return "Telnyx API error"
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

// Send posts one message. MMS is used when the message carries media.
func (t *Telnyx) Send(ctx context.Context, msg Message) Result {
	req := telnyxMessageReq{
		From:               t.cfg.FromNumber,
		To:                 msg.To,
		Text:               msg.Text,
		MessagingProfileID: t.cfg.MessagingProfileID,
	}
	if msg.MediaURL != "" {
		req.MediaURLs = []string{msg.MediaURL}
	}
	body, err := json.Marshal(req)
	if err != nil {
		return Result{Error: err.Error()}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.BaseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return Result{Error: err.Error()}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+t.cfg.APIKey)

	resp, err := t.client.Do(httpReq)
	if err != nil {
		logx.L().Warnw("telnyx_request_error", "to", msg.To, "type", msg.Type(), "error", err)
		return Result{Error: err.Error(), Retryable: true}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Result{Error: err.Error(), Retryable: true}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var er telnyxErrorResp
		if jsonErr := json.Unmarshal(raw, &er); jsonErr != nil {
			er.Message = "Unknown error"
		}
		logx.L().Warnw("telnyx_send_rejected", "to", msg.To, "status", resp.StatusCode, "error", er.text())
		return Result{
			Error:     er.text(),
			Retryable: retryableStatus(resp.StatusCode),
		}
	}

	// A 2xx means the carrier accepted the message; an unreadable body only
	// costs us the id used to match delivery callbacks.
	var ok telnyxMessageResp
	if err := json.Unmarshal(raw, &ok); err != nil {
		logx.L().Warnw("telnyx_response_decode_error", "to", msg.To, "error", fmt.Sprintf("%v", err))
	}
	return Result{Success: true, MessageID: ok.Data.ID}
}
