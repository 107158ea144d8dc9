// Package api is a minimal client for the chat platform REST API.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/dkeye/revoice/internal/domain"
	"github.com/rs/zerolog/log"
)

var ErrLoginFailed = errors.New("api: login not successful")

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("api: %s %s: status %d: %s", e.Method, e.Path, e.Status, e.Body)
}

type Config struct {
	BaseURL string
	Token   string
	// Bot selects the bot token header instead of a session token.
	Bot     bool
	Timeout time.Duration
}

type Client struct {
	base *url.URL
	http *http.Client

	mu    sync.RWMutex
	token string
	bot   bool
}

func New(cfg Config) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("api base url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("api base url %q: missing scheme or host", cfg.BaseURL)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		base:  base,
		http:  &http.Client{Timeout: timeout},
		token: cfg.Token,
		bot:   cfg.Bot,
	}, nil
}

// Session is the result of an email/password login.
type Session struct {
	ID     string `json:"_id"`
	UserID string `json:"user_id"`
	Token  string `json:"token"`
	Name   string `json:"name"`
}

type loginRequest struct {
	Email        string `json:"email"`
	Password     string `json:"password"`
	FriendlyName string `json:"friendly_name,omitempty"`
}

type loginResponse struct {
	Result string `json:"result"`
	Session
}

// Login exchanges credentials for a session token and switches the client
// to session authentication. Multi-factor logins are not supported.
func (c *Client) Login(ctx context.Context, email, password string) (*Session, error) {
	var res loginResponse
	req := loginRequest{Email: email, Password: password, FriendlyName: "revoice"}
	if err := c.do(ctx, http.MethodPost, "/auth/session/login", req, &res); err != nil {
		return nil, err
	}
	if res.Result != "Success" || res.Token == "" {
		return nil, fmt.Errorf("%w: result %q", ErrLoginFailed, res.Result)
	}
	c.mu.Lock()
	c.token = res.Token
	c.bot = false
	c.mu.Unlock()
	log.Info().Str("module", "api").Str("user", res.UserID).Msg("session login ok")
	return &res.Session, nil
}

type channelResponse struct {
	ID          string `json:"_id"`
	ChannelType string `json:"channel_type"`
	Name        string `json:"name"`
}

// Channel looks up room metadata.
func (c *Client) Channel(ctx context.Context, id domain.RoomID) (domain.Room, error) {
	var res channelResponse
	if err := c.do(ctx, http.MethodGet, "/channels/"+url.PathEscape(string(id)), nil, &res); err != nil {
		return domain.Room{}, err
	}
	return domain.Room{ID: domain.RoomID(res.ID), Name: res.Name, Type: domain.ChannelType(res.ChannelType)}, nil
}

// CallToken authorises one signaling session. URL may be empty.
type CallToken struct {
	Token string `json:"token"`
	URL   string `json:"url"`
}

// JoinCall requests a signaling token for the room.
func (c *Client) JoinCall(ctx context.Context, id domain.RoomID) (CallToken, error) {
	var res CallToken
	path := "/channels/" + url.PathEscape(string(id)) + "/join_call"
	if err := c.do(ctx, http.MethodPost, path, struct{}{}, &res); err != nil {
		return CallToken{}, err
	}
	if res.Token == "" {
		return CallToken{}, fmt.Errorf("api: join_call for %s returned no token", id)
	}
	return res, nil
}

type userResponse struct {
	ID          string `json:"_id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
}

// User fetches a user's public profile.
func (c *Client) User(ctx context.Context, id domain.UserID) (*domain.User, error) {
	var res userResponse
	if err := c.do(ctx, http.MethodGet, "/users/"+url.PathEscape(string(id)), nil, &res); err != nil {
		return nil, err
	}
	name := res.DisplayName
	if name == "" {
		name = res.Username
	}
	return domain.NewUser(domain.UserID(res.ID), name)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("api: encode %s body: %w", path, err)
		}
		rd = bytes.NewReader(raw)
	}
	u := c.base.JoinPath(path)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), rd)
	if err != nil {
		return fmt.Errorf("api: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.mu.RLock()
	if c.token != "" {
		if c.bot {
			req.Header.Set("X-Bot-Token", c.token)
		} else {
			req.Header.Set("X-Session-Token", c.token)
		}
	}
	c.mu.RUnlock()

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("api: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	log.Debug().Str("module", "api").
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("took", time.Since(start)).
		Msg("request done")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Method: method, Path: path, Status: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("api: decode %s: %w", path, err)
	}
	return nil
}
