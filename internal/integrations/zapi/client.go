// Package zapi sends text messages through the Z-API WhatsApp gateway.
package zapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const (
	defaultBaseURL = "https://api.z-api.io"
	defaultTimeout = 10 * time.Second
)

type sendTextRequest struct {
	Phone   string `json:"phone"`
	Message string `json:"message"`
}

type sendTextResponse struct {
	ZaapID    string `json:"zaapId"`
	MessageID string `json:"messageId"`
	ID        string `json:"id"`
}

// credentials is the JSON shape stored in SSM for the gateway token.
type credentials struct {
	Token       string `json:"token"`
	ClientToken string `json:"client_token"`
}

type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// HTTPStatusError captures non-2xx gateway responses.
type HTTPStatusError struct {
	StatusCode int
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("zapi: unexpected status %d: %s", e.StatusCode, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client delivers text messages to a single Z-API instance.
type Client struct {
	baseURL     string
	instanceID  string
	httpClient  *http.Client
	getter      Getter
	paramPrefix string

	credMu sync.Mutex
	creds  credentials
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		if s := strings.TrimSpace(baseURL); s != "" {
			c.baseURL = s
		}
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// NewClient creates a Client for instanceID. The instance token is read from
// "<paramPrefix>/zapi-token" on first use.
func NewClient(ps Getter, paramPrefix, instanceID string, opts ...Option) (*Client, error) {
	if ps == nil {
		return nil, errors.New("zapi: paramstore getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("zapi: parameter prefix must not be empty")
	}
	instanceID = strings.TrimSpace(instanceID)
	if instanceID == "" {
		return nil, errors.New("zapi: instance id must not be empty")
	}
	c := &Client{
		baseURL:     defaultBaseURL,
		instanceID:  instanceID,
		httpClient:  &http.Client{Timeout: defaultTimeout},
		getter:      ps,
		paramPrefix: paramPrefix,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Send delivers text to phone.
func (c *Client) Send(ctx context.Context, phone, text string) error {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return errors.New("zapi: phone must not be empty")
	}
	if strings.TrimSpace(text) == "" {
		return errors.New("zapi: message must not be empty")
	}

	creds, err := c.resolveCredentials(ctx)
	if err != nil {
		return err
	}

	body, err := json.Marshal(sendTextRequest{Phone: phone, Message: text})
	if err != nil {
		return fmt.Errorf("zapi: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sendTextURL(c.baseURL, c.instanceID, creds.Token), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("zapi: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if creds.ClientToken != "" {
		req.Header.Set("Client-Token", creds.ClientToken)
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("zapi: send: %w", redactURLError(err))
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("zapi: send: %w", &HTTPStatusError{StatusCode: res.StatusCode, Body: string(buf)})
	}

	// A 2xx means the gateway accepted the message; the body only carries ids
	// for tracing the delivery.
	var out sendTextResponse
	if err := json.NewDecoder(io.LimitReader(res.Body, 1<<16)).Decode(&out); err != nil && !errors.Is(err, io.EOF) {
		slog.Warn("zapi: undecodable send-text response", "status", res.StatusCode, "err", err)
		return nil
	}
	slog.Debug("zapi: message accepted", "message_id", out.MessageID, "zaap_id", out.ZaapID)
	return nil
}

func (c *Client) resolveCredentials(ctx context.Context) (credentials, error) {
	c.credMu.Lock()
	defer c.credMu.Unlock()
	if c.creds.Token != "" {
		return c.creds, nil
	}

	raw, err := c.getter.GetParameter(ctx, c.paramPrefix+"/zapi-token")
	if err != nil {
		return credentials{}, fmt.Errorf("zapi: fetch token from paramstore: %w", err)
	}
	var creds credentials
	if err := json.Unmarshal([]byte(raw), &creds); err != nil {
		return credentials{}, fmt.Errorf("zapi: unmarshal paramstore token value as JSON: %w", err)
	}
	if creds.Token == "" {
		return credentials{}, errors.New("zapi: instance token is empty")
	}
	c.creds = creds
	return creds, nil
}

func sendTextURL(baseURL, instanceID, token string) string {
	base := strings.TrimRight(baseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	return fmt.Sprintf("%s/instances/%s/token/%s/send-text", base, url.PathEscape(instanceID), url.PathEscape(token))
}

// redactURLError strips the request URL, which embeds the instance token,
// from transport errors before they reach the logs.
func redactURLError(err error) error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return fmt.Errorf("%s: %w", urlErr.Op, urlErr.Err)
	}
	return err
}
