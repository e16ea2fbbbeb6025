package zalo

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

// ThreadType of a conversation on the bot gateway.
type ThreadType string

const (
	ThreadUser  ThreadType = "user"
	ThreadGroup ThreadType = "group"
)

var ErrUserNotFound = errors.New("zalo: no user for phone number")

// GatewayError is a non-2xx answer from the bot gateway.
type GatewayError struct {
	Op     string
	Status int
	Body   string
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("zalo gateway %s: status %d: %s", e.Op, e.Status, e.Body)
}

// User is the profile the gateway returns. IsFriend is nil when the gateway
// does not know the friendship state.
type User struct {
	UID         string `json:"uid"`
	DisplayName string `json:"display_name"`
	IsFriend    *bool  `json:"is_friend"`
}

// Event is an inbound gateway event.
type Event struct {
	ID         string     `json:"id"`
	Type       string     `json:"type"`
	AuthorID   string     `json:"author_id"`
	ThreadID   string     `json:"thread_id"`
	ThreadType ThreadType `json:"thread_type"`
	Text       string     `json:"text"`
}

type EventPage struct {
	Events []Event `json:"events"`
	Cursor string  `json:"cursor"`
}

// Client talks to the bot gateway over HTTP JSON. It is safe for concurrent
// use by the dispatcher and the inbound listener.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	log        *slog.Logger

	shared UIDCache

	mu   sync.RWMutex
	uids map[string]string // phone -> uid
}

// UIDCache is an optional shared cache behind the in-memory one.
type UIDCache interface {
	GetUID(ctx context.Context, phone string) (string, bool, error)
	SetUID(ctx context.Context, phone, uid string) error
}

type ClientOption func(*Client)

func WithHTTPClient(h *http.Client) ClientOption { return func(c *Client) { c.httpClient = h } }
func WithUIDCache(uc UIDCache) ClientOption      { return func(c *Client) { c.shared = uc } }

func NewClient(baseURL, token string, timeout time.Duration, log *slog.Logger, opts ...ClientOption) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
		log:        log.With("component", "zalo"),
		uids:       make(map[string]string),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NotifyExportReady sends the download-ready notification to phone.
func (c *Client) NotifyExportReady(ctx context.Context, phone, message string) error {
	if err := c.SendMessage(ctx, phone, message); err != nil {
		return err
	}
	c.log.Info("sent notification", "phone", phone)
	return nil
}

// SendMessage resolves phone to a user and sends text to their thread.
func (c *Client) SendMessage(ctx context.Context, phone, text string) error {
	uid, err := c.ResolveUser(ctx, phone)
	if err != nil {
		return err
	}
	return c.SendText(ctx, uid, ThreadUser, text)
}

// ResolveUser maps a phone number to a user id. Results are cached.
func (c *Client) ResolveUser(ctx context.Context, phone string) (string, error) {
	c.mu.RLock()
	uid, ok := c.uids[phone]
	c.mu.RUnlock()
	if ok {
		return uid, nil
	}
	if c.shared != nil {
		uid, ok, err := c.shared.GetUID(ctx, phone)
		if err != nil {
			c.log.Warn("uid cache read failed", "err", err)
		} else if ok {
			c.remember(phone, uid)
			return uid, nil
		}
	}

	var out User
	if err := c.do(ctx, "lookup", http.MethodPost, "/v1/users/lookup", map[string]string{"phone": phone}, &out); err != nil {
		var gerr *GatewayError
		if errors.As(err, &gerr) && gerr.Status == http.StatusNotFound {
			return "", fmt.Errorf("%w: %s", ErrUserNotFound, phone)
		}
		return "", err
	}
	if out.UID == "" {
		return "", fmt.Errorf("%w: %s", ErrUserNotFound, phone)
	}

	c.remember(phone, out.UID)
	if c.shared != nil {
		if err := c.shared.SetUID(ctx, phone, out.UID); err != nil {
			c.log.Warn("uid cache write failed", "err", err)
		}
	}
	return out.UID, nil
}

func (c *Client) remember(phone, uid string) {
	c.mu.Lock()
	c.uids[phone] = uid
	c.mu.Unlock()
}

func (c *Client) SendText(ctx context.Context, threadID string, tt ThreadType, text string) error {
	body := map[string]string{"thread_id": threadID, "thread_type": string(tt), "text": text}
	return c.do(ctx, "send", http.MethodPost, "/v1/messages", body, nil)
}

func (c *Client) UserInfo(ctx context.Context, uid string) (User, error) {
	var u User
	err := c.do(ctx, "user info", http.MethodGet, "/v1/users/"+url.PathEscape(uid), nil, &u)
	return u, err
}

// Friends lists the user ids of the bot account's friends.
func (c *Client) Friends(ctx context.Context) ([]string, error) {
	var out struct {
		Friends []User `json:"friends"`
	}
	if err := c.do(ctx, "friends", http.MethodGet, "/v1/friends", nil, &out); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(out.Friends))
	for _, f := range out.Friends {
		ids = append(ids, f.UID)
	}
	return ids, nil
}

func (c *Client) SendFriendRequest(ctx context.Context, uid, message string) error {
	body := map[string]string{"uid": uid, "message": message}
	return c.do(ctx, "friend request", http.MethodPost, "/v1/friend-requests", body, nil)
}

// Events long-polls the gateway for events after cursor.
func (c *Client) Events(ctx context.Context, cursor string) (EventPage, error) {
	path := "/v1/events"
	if cursor != "" {
		path += "?cursor=" + url.QueryEscape(cursor)
	}
	var page EventPage
	err := c.do(ctx, "events", http.MethodGet, path, nil, &page)
	return page, err
}

func (c *Client) do(ctx context.Context, op, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal %s request: %w", op, err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("zalo gateway %s: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &GatewayError{Op: op, Status: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", op, err)
	}
	return nil
}
