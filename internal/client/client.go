// Package client talks to a running jetbotd over its HTTP API and the
// broker WebSocket.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/gorilla/websocket"

	"github.com/Eshwarpawanpeddi/Jetbot-os/internal/broker"
	"github.com/Eshwarpawanpeddi/Jetbot-os/internal/eventbus"
	"github.com/Eshwarpawanpeddi/Jetbot-os/internal/journal"
	"github.com/Eshwarpawanpeddi/Jetbot-os/internal/server"
	"github.com/Eshwarpawanpeddi/Jetbot-os/internal/supervisor"
	"github.com/Eshwarpawanpeddi/Jetbot-os/internal/validate"
)

const (
	defaultHTTPTimeout        = 10 * time.Second
	websocketHandshakeTimeout = 10 * time.Second
	errorMessageLimit         = 2048
)

// ErrDaemonUnreachable is returned when jetbotd does not answer.
var ErrDaemonUnreachable = errors.New("client: jetbotd unreachable")

// APIError is a non-2xx answer from jetbotd.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("jetbotd returned %d: %s", e.Status, e.Message)
}

// Client is a jetbotd API client.
type Client struct {
	baseURL   string
	plaintext bool
	http      *resty.Client
	dialer    *websocket.Dialer
}

// New returns a client for the daemon at baseURL.
func New(baseURL string) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	u, err := validate.HTTPURL(base)
	if err != nil {
		return nil, fmt.Errorf("client: %w", err)
	}

	httpClient := resty.New().
		SetBaseURL(base).
		SetTimeout(defaultHTTPTimeout).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", "jetbot-cli")

	return &Client{
		baseURL:   base,
		plaintext: validate.PlaintextRemote(u),
		http:      httpClient,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: websocketHandshakeTimeout,
		},
	}, nil
}

// Plaintext reports whether requests travel unencrypted to a non-local host.
func (c *Client) Plaintext() bool { return c.plaintext }

// BaseURL returns the daemon URL.
func (c *Client) BaseURL() string { return c.baseURL }

// Status fetches GET /status.
func (c *Client) Status(ctx context.Context) (server.StatusResponse, error) {
	var out server.StatusResponse
	err := c.do(c.http.R().SetContext(ctx).SetResult(&out), http.MethodGet, "/status")
	return out, err
}

// History fetches lifecycle transitions, newest last. An empty module
// returns every module.
func (c *Client) History(ctx context.Context, module string, limit int) ([]journal.Entry, error) {
	var out []journal.Entry
	req := c.http.R().SetContext(ctx).SetResult(&out)
	if module != "" {
		req.SetQueryParam("module", module)
	}
	if limit > 0 {
		req.SetQueryParam("limit", strconv.Itoa(limit))
	}
	err := c.do(req, http.MethodGet, "/status/history")
	return out, err
}

// StartModule, StopModule and RestartModule drive the supervisor.
func (c *Client) StartModule(ctx context.Context, name string) (supervisor.RuntimeState, error) {
	return c.moduleAction(ctx, "start", name)
}

func (c *Client) StopModule(ctx context.Context, name string) (supervisor.RuntimeState, error) {
	return c.moduleAction(ctx, "stop", name)
}

func (c *Client) RestartModule(ctx context.Context, name string) (supervisor.RuntimeState, error) {
	return c.moduleAction(ctx, "restart", name)
}

func (c *Client) moduleAction(ctx context.Context, action, name string) (supervisor.RuntimeState, error) {
	var out supervisor.RuntimeState
	req := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(server.ModuleActionRequest{Name: name}).
		SetResult(&out)
	err := c.do(req, http.MethodPost, "/modules/"+action)
	return out, err
}

// Publish injects an operator event into the robot's bus.
func (c *Client) Publish(ctx context.Context, kind eventbus.Kind, payload eventbus.Payload) (eventbus.Event, error) {
	var out eventbus.Event
	req := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(server.PublishRequest{Kind: string(kind), Payload: payload}).
		SetResult(&out)
	err := c.do(req, http.MethodPost, "/events")
	return out, err
}

// Events lists retained events, oldest first. An empty kind lists all.
func (c *Client) Events(ctx context.Context, kind eventbus.Kind, limit int) ([]eventbus.Event, error) {
	var out []eventbus.Event
	req := c.http.R().SetContext(ctx).SetResult(&out)
	if kind != "" {
		req.SetQueryParam("kind", string(kind))
	}
	if limit > 0 {
		req.SetQueryParam("limit", strconv.Itoa(limit))
	}
	err := c.do(req, http.MethodGet, "/events")
	return out, err
}

// Watch attaches to the broker hub and calls fn for every relayed event
// until ctx is cancelled or the connection drops. kinds filters events when
// non-empty.
func (c *Client) Watch(ctx context.Context, kinds []eventbus.Kind, fn func(eventbus.Event)) error {
	wsURL, err := c.busURL()
	if err != nil {
		return err
	}
	conn, _, err := c.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDaemonUnreachable, err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	filter := make(map[eventbus.Kind]struct{}, len(kinds))
	for _, k := range kinds {
		filter[k] = struct{}{}
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("client: watch: %w", err)
		}
		var evt eventbus.Event
		if err := json.Unmarshal(data, &evt); err != nil {
			continue
		}
		if len(filter) > 0 {
			if _, ok := filter[evt.Kind]; !ok {
				continue
			}
		}
		fn(evt)
	}
}

func (c *Client) busURL() (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("client: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + broker.DefaultPath
	return u.String(), nil
}

func (c *Client) do(req *resty.Request, method, path string) error {
	resp, err := req.SetError(&server.ErrorResponse{}).Execute(method, path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDaemonUnreachable, err)
	}
	if !resp.IsError() {
		return nil
	}
	msg := strings.TrimSpace(resp.Status())
	if e, ok := resp.Error().(*server.ErrorResponse); ok && e.Error != "" {
		msg = e.Error
	} else if body := strings.TrimSpace(resp.String()); body != "" {
		if len(body) > errorMessageLimit {
			body = body[:errorMessageLimit]
		}
		msg = body
	}
	return &APIError{Status: resp.StatusCode(), Message: msg}
}
