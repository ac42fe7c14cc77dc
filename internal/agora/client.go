package agora

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/agora-im/pelt/internal/tracing"
)

const defaultTimeout = 30 * time.Second

// Client talks to an Agora API gateway. Authentication follows the
// gateway's convention: the access token travels in the request payload
// (or query string for GETs), not in a header.
type Client struct {
	base   string
	http   *http.Client
	logger *zap.Logger
}

// ClientOption customizes a Client.
type ClientOption func(*Client)

// WithHTTPClient swaps the underlying HTTP client, e.g. for a custom
// timeout or a test transport.
func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) {
		if h != nil {
			c.http = h
		}
	}
}

// WithLogger attaches a logger for debug-level request diagnostics.
func WithLogger(l *zap.Logger) ClientOption {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewClient builds a client for the gateway at baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		base:   strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		http:   NewHTTPClient(defaultTimeout),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the gateway base the client was built with.
func (c *Client) BaseURL() string { return c.base }

// Register provisions a fresh account and returns its credentials.
func (c *Client) Register(ctx context.Context, username, password string) (Credentials, error) {
	body, err := c.postJSON(ctx, "/auth/register", map[string]any{
		"username":                    username,
		"password":                    password,
		"initial_device_display_name": "pelt_" + username,
	})
	if err != nil {
		return Credentials{}, err
	}
	return credentialsFrom(username, password, body), nil
}

// Login authenticates an existing account.
func (c *Client) Login(ctx context.Context, username, password string) (Credentials, error) {
	body, err := c.postJSON(ctx, "/auth/login", map[string]any{
		"username":                    username,
		"password":                    password,
		"initial_device_display_name": "pelt_" + username,
	})
	if err != nil {
		return Credentials{}, err
	}
	return credentialsFrom(username, password, body), nil
}

// CreateServer creates a top-level server (space) and returns its room id.
func (c *Client) CreateServer(ctx context.Context, token, name string) (string, error) {
	body, err := c.postJSON(ctx, "/rooms/create", map[string]any{
		"access_token": token,
		"name":         name,
		"is_space":     true,
	})
	if err != nil {
		return "", err
	}
	return gjson.GetBytes(body, "room_id").String(), nil
}

// CreateChannel creates a channel inside a server. kind defaults to "text".
func (c *Client) CreateChannel(ctx context.Context, token, name, serverID, kind string) (string, error) {
	if kind == "" {
		kind = "text"
	}
	body, err := c.postJSON(ctx, "/rooms/create", map[string]any{
		"access_token":    token,
		"name":            name,
		"is_space":        false,
		"parent_space_id": serverID,
		"channel_type":    kind,
	})
	if err != nil {
		return "", err
	}
	return gjson.GetBytes(body, "room_id").String(), nil
}

// JoinRoom joins a room by id or alias.
func (c *Client) JoinRoom(ctx context.Context, token, roomID string) error {
	_, err := c.postJSON(ctx, "/rooms/join", map[string]any{
		"access_token":     token,
		"room_id_or_alias": roomID,
	})
	return err
}

// LeaveRoom leaves a joined room.
func (c *Client) LeaveRoom(ctx context.Context, token, roomID string) error {
	_, err := c.postJSON(ctx, "/rooms/leave", map[string]any{
		"access_token": token,
		"room_id":      roomID,
	})
	return err
}

// SendMessage posts a message into a room.
func (c *Client) SendMessage(ctx context.Context, token, roomID, content string) error {
	_, err := c.postJSON(ctx, "/rooms/send", map[string]any{
		"access_token": token,
		"room_id":      roomID,
		"content":      content,
	})
	return err
}

// RoomMembers lists the user ids currently in a room.
func (c *Client) RoomMembers(ctx context.Context, token, roomID string) ([]string, error) {
	body, err := c.getJSON(ctx, "/rooms/members", url.Values{
		"access_token": {token},
		"room_id":      {roomID},
	})
	if err != nil {
		return nil, err
	}
	var members []string
	for _, m := range gjson.GetBytes(body, "members").Array() {
		if m.IsObject() {
			members = append(members, m.Get("user_id").String())
		} else {
			members = append(members, m.String())
		}
	}
	return members, nil
}

// JoinedRooms lists the room ids the account has joined.
func (c *Client) JoinedRooms(ctx context.Context, token string) ([]string, error) {
	body, err := c.getJSON(ctx, "/rooms", url.Values{"access_token": {token}})
	if err != nil {
		return nil, err
	}
	var rooms []string
	for _, r := range gjson.GetBytes(body, "rooms").Array() {
		if r.IsObject() {
			rooms = append(rooms, r.Get("room_id").String())
		} else {
			rooms = append(rooms, r.String())
		}
	}
	return rooms, nil
}

// Sync fetches the account's event snapshot. since continues from a prior
// snapshot's NextBatch.
func (c *Client) Sync(ctx context.Context, token, since string) (SyncSnapshot, error) {
	q := url.Values{"access_token": {token}}
	if since != "" {
		q.Set("since", since)
	}
	body, err := c.getJSON(ctx, "/sync", q)
	if err != nil {
		return SyncSnapshot{}, err
	}
	snap := SyncSnapshot{NextBatch: gjson.GetBytes(body, "next_batch").String()}
	for _, m := range gjson.GetBytes(body, "messages").Array() {
		snap.Messages = append(snap.Messages, Message{
			RoomID:  m.Get("room_id").String(),
			Sender:  m.Get("sender").String(),
			Content: m.Get("content").String(),
		})
	}
	return snap, nil
}

// SetPresence publishes the account's presence state ("online", "offline",
// "unavailable").
func (c *Client) SetPresence(ctx context.Context, token, userID, presence string) error {
	_, err := c.postJSON(ctx, "/presence/set", map[string]any{
		"access_token": token,
		"user_id":      userID,
		"presence":     presence,
	})
	return err
}

// VoiceParticipants lists the user ids present in a voice room.
func (c *Client) VoiceParticipants(ctx context.Context, roomID string) ([]string, error) {
	body, err := c.getJSON(ctx, "/voice/participants", url.Values{"room_name": {roomID}})
	if err != nil {
		return nil, err
	}
	var participants []string
	for _, p := range gjson.GetBytes(body, "participants").Array() {
		participants = append(participants, p.String())
	}
	return participants, nil
}

// Health checks the gateway's health endpoint.
func (c *Client) Health(ctx context.Context) error {
	_, err := c.getJSON(ctx, "/health", nil)
	return err
}

// Probe posts an arbitrary payload and reports the raw status code without
// classifying non-2xx responses as failures. Chaos scenarios use it to
// deliver malformed payloads and observe how the gateway rejects them.
func (c *Client) Probe(ctx context.Context, path string, payload any) (int, string, error) {
	req, err := c.newRequest(ctx, http.MethodPost, path, nil, payload)
	if err != nil {
		return 0, "", err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, "", fmt.Errorf("read %s response: %w", path, err)
	}
	return resp.StatusCode, snippet(string(body)), nil
}

func (c *Client) postJSON(ctx context.Context, path string, payload any) ([]byte, error) {
	return c.do(ctx, http.MethodPost, path, nil, payload)
}

func (c *Client) getJSON(ctx context.Context, path string, query url.Values) ([]byte, error) {
	return c.do(ctx, http.MethodGet, path, query, nil)
}

func (c *Client) newRequest(ctx context.Context, method, path string, query url.Values, payload any) (*http.Request, error) {
	target := c.base + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reader io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", path, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	// No-op unless a span-carrying context and a real propagator are set up.
	tracing.InjectHTTPHeaders(ctx, req.Header)
	return req, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, payload any) ([]byte, error) {
	req, err := c.newRequest(ctx, method, path, query, payload)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := newAPIError(resp.StatusCode, body)
		c.logger.Debug("request rejected",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", resp.StatusCode),
			zap.String("errcode", apiErr.Code),
		)
		return nil, apiErr
	}
	return body, nil
}

func credentialsFrom(username, password string, body []byte) Credentials {
	return Credentials{
		Username: username,
		Password: password,
		UserID:   gjson.GetBytes(body, "user_id").String(),
		Token:    gjson.GetBytes(body, "access_token").String(),
		DeviceID: gjson.GetBytes(body, "device_id").String(),
	}
}
