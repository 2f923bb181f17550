// Package api is the request/response client for the widget backend: context ids,
// conversation sends, and the access handshake lookups.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
)

const defaultTimeout = 15 * time.Second

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.http.Timeout = d
		}
	}
}

type Client struct {
	baseURL     string
	adminAPIKey string
	http        *http.Client
}

func NewClient(baseURL, adminAPIKey string, opts ...Option) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("api: empty base url")
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, errors.Wrap(err, "api: invalid base url")
	}
	c := &Client{
		baseURL:     baseURL,
		adminAPIKey: adminAPIKey,
		http:        &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) BaseURL() string { return c.baseURL }

// NewContextID asks the backend for a fresh chat context identifier.
func (c *Client) NewContextID(ctx context.Context) (string, error) {
	const op = "new context id"
	resp, err := c.send(ctx, c.http, op, http.MethodGet, "/chats/new-context-id", nil, c.adminHeaders())
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", errors.Wrap(err, op)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &StatusError{Op: op, StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	}
	id := strings.TrimSpace(string(body))
	var quoted string
	if strings.HasPrefix(id, `"`) && json.Unmarshal([]byte(id), &quoted) == nil {
		id = quoted
	}
	if id == "" {
		return "", errors.Errorf("%s: empty response", op)
	}
	return id, nil
}

// SendConversation submits one visitor message. An empty agentID uses the unscoped endpoint.
func (c *Client) SendConversation(ctx context.Context, agentID string, req ConversationRequest) error {
	path := "/agent/conversation"
	if agentID != "" {
		path = "/agent/" + url.PathEscape(agentID) + "/conversation"
	}
	headers := c.adminHeaders()
	if req.IdempotencyKey != "" {
		headers[IdempotencyKeyHeader] = req.IdempotencyKey
	}
	err := c.doJSON(ctx, c.http, "send conversation", http.MethodPost, path, req, headers, nil)
	if se := (*StatusError)(nil); errors.As(err, &se) && se.Message == "" {
		se.Message = "Failure to send message"
	}
	return err
}

func (c *Client) DecryptAgentRef(ctx context.Context, ref string) (AgentRef, error) {
	var out Envelope[AgentRef]
	err := c.doJSON(ctx, c.http, "decrypt agent ref", http.MethodPost, "/workspaces/decrypt-agent-ref",
		DecryptRequest{Encrypted: ref}, c.adminHeaders(), &out)
	if err != nil {
		return AgentRef{}, err
	}
	return out.Data, nil
}

func (c *Client) CheckAgentSecret(ctx context.Context, workspaceID, agentID, secret string) (bool, error) {
	path := "/workspaces/" + url.PathEscape(workspaceID) + "/agents/" + url.PathEscape(agentID) + "/check-secret"
	var out Envelope[bool]
	if err := c.doJSON(ctx, c.http, "check agent secret", http.MethodPost, path,
		CheckSecretRequest{Secret: secret}, c.adminHeaders(), &out); err != nil {
		return false, err
	}
	return out.Data, nil
}

func (c *Client) FetchWorkspaceAvatar(ctx context.Context, workspaceID string) (string, error) {
	var out Envelope[AvatarPayload]
	if err := c.doJSON(ctx, c.http, "fetch workspace avatar", http.MethodGet,
		"/workspaces/"+url.PathEscape(workspaceID)+"/avatar", nil, c.adminHeaders(), &out); err != nil {
		return "", err
	}
	return out.Data.Avatar, nil
}

func (c *Client) FetchOutlineColors(ctx context.Context, agentID string) (OutlineColors, error) {
	var out Envelope[OutlineColors]
	if err := c.doJSON(ctx, c.http, "fetch outline colors", http.MethodGet,
		"/agent/"+url.PathEscape(agentID)+"/widget-outline-colors", nil, c.adminHeaders(), &out); err != nil {
		return OutlineColors{}, err
	}
	return out.Data, nil
}

// FetchProfile resolves the caller behind a bearer token. It is user-scoped: no admin key
// is sent.
func (c *Client) FetchProfile(ctx context.Context, token string) (Profile, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"})
	hc := oauth2.NewClient(context.WithValue(ctx, oauth2.HTTPClient, c.http), src)

	var out Envelope[Profile]
	if err := c.doJSON(ctx, hc, "fetch profile", http.MethodGet, "/auth/profile", nil, map[string]string{}, &out); err != nil {
		return Profile{}, err
	}
	return out.Data, nil
}

func (c *Client) adminHeaders() map[string]string {
	h := map[string]string{}
	if c.adminAPIKey != "" {
		h[AdminKeyHeader] = c.adminAPIKey
	}
	return h
}

func (c *Client) send(ctx context.Context, hc *http.Client, op, method, path string, body any, headers map[string]string) (*http.Response, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, errors.Wrapf(err, "%s: marshal body", op)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return nil, errors.Wrap(err, op)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, op)
	}
	log.Debug().Str("component", "api").Str("op", op).Int("status", resp.StatusCode).Msg("backend call")
	return resp, nil
}

// doJSON performs a call and decodes the envelope into out. A non-2xx status, or an error
// member in the body, becomes a *StatusError.
func (c *Client) doJSON(ctx context.Context, hc *http.Client, op, method, path string, body any, headers map[string]string, out any) error {
	resp, err := c.send(ctx, hc, op, method, path, body, headers)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, op)
	}

	var probe struct {
		Error json.RawMessage `json:"error"`
	}
	_ = json.Unmarshal(raw, &probe)
	msg := ErrorMessage(probe.Error)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if msg == "" && !json.Valid(raw) {
			msg = strings.TrimSpace(string(raw))
		}
		return &StatusError{Op: op, StatusCode: resp.StatusCode, Message: msg}
	}
	if msg != "" {
		return &StatusError{Op: op, StatusCode: resp.StatusCode, Message: msg}
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return errors.Wrapf(err, "%s: decode response", op)
	}
	return nil
}
