package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/galadd/botfleet/internal/fleet"
	"github.com/galadd/botfleet/internal/store"
)

// Error is a reply whose success flag was false.
type Error struct {
	Status    int
	Message   string
	RequestID string
}

func (e *Error) Error() string {
	return fmt.Sprintf("API error %d: %s", e.Status, e.Message)
}

type Client struct {
	baseURL string
	client  *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// do sends the request and decodes the data field into out, even when the reply is a failure.
func (c *Client) do(ctx context.Context, method, path string, body, out any) (*Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var r Response
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, &Error{Status: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
	}
	if out != nil && len(r.Data) > 0 {
		if err := json.Unmarshal(r.Data, out); err != nil {
			return &r, fmt.Errorf("failed to decode response: %w", err)
		}
	}
	if !r.Success {
		return &r, &Error{Status: resp.StatusCode, Message: r.Message, RequestID: r.RequestID}
	}
	return &r, nil
}

func userPath(uid fleet.UserID, rest string) string {
	return "/users/" + uid.String() + rest
}

func (c *Client) lifecycle(ctx context.Context, method, path string) (fleet.Result, error) {
	var res fleet.Result
	r, err := c.do(ctx, method, path, nil, &res)
	if r != nil && res.Message == "" {
		res.Success, res.Message = r.Success, r.Message
	}
	return res, err
}

func (c *Client) CreateService(ctx context.Context, uid fleet.UserID) (fleet.Result, error) {
	return c.lifecycle(ctx, http.MethodPost, userPath(uid, "/service"))
}

func (c *Client) StopService(ctx context.Context, uid fleet.UserID) (fleet.Result, error) {
	return c.lifecycle(ctx, http.MethodDelete, userPath(uid, "/service"))
}

func (c *Client) RestartService(ctx context.Context, uid fleet.UserID) (fleet.Result, error) {
	return c.lifecycle(ctx, http.MethodPost, userPath(uid, "/service/restart"))
}

func (c *Client) ServiceStatus(ctx context.Context, uid fleet.UserID) (fleet.ServiceStatusInfo, error) {
	var info fleet.ServiceStatusInfo
	_, err := c.do(ctx, http.MethodGet, userPath(uid, "/service"), nil, &info)
	return info, err
}

// ServiceLogs asks for the last lines of output. Zero uses the server default.
func (c *Client) ServiceLogs(ctx context.Context, uid fleet.UserID, lines int) (string, error) {
	path := userPath(uid, "/service/logs")
	if lines > 0 {
		path += "?" + url.Values{"lines": {strconv.Itoa(lines)}}.Encode()
	}
	var v LogsView
	if _, err := c.do(ctx, http.MethodGet, path, nil, &v); err != nil {
		return "", err
	}
	return v.Logs, nil
}

func (c *Client) Placement(ctx context.Context, uid fleet.UserID) (*fleet.Placement, error) {
	var p fleet.Placement
	if _, err := c.do(ctx, http.MethodGet, userPath(uid, "/placement"), nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (c *Client) BindAccount(ctx context.Context, uid fleet.UserID, req AccountRequest) (AccountView, error) {
	var v AccountView
	_, err := c.do(ctx, http.MethodPut, userPath(uid, "/account"), req, &v)
	return v, err
}

func (c *Client) Nodes(ctx context.Context) ([]NodeView, error) {
	var nodes []NodeView
	_, err := c.do(ctx, http.MethodGet, "/nodes", nil, &nodes)
	return nodes, err
}

func (c *Client) Services(ctx context.Context) ([]fleet.ManagedService, error) {
	var services []fleet.ManagedService
	_, err := c.do(ctx, http.MethodGet, "/services", nil, &services)
	return services, err
}

// Reconcile runs a sweep now. cleanup also removes services whose tasks all failed.
func (c *Client) Reconcile(ctx context.Context, cleanup bool) (fleet.ReconcileReport, error) {
	path := "/reconcile"
	if cleanup {
		path += "?cleanup=true"
	}
	var report fleet.ReconcileReport
	_, err := c.do(ctx, http.MethodPost, path, nil, &report)
	return report, err
}

// Operations returns the user's most recent lifecycle operations, newest first.
// Zero uses the server default.
func (c *Client) Operations(ctx context.Context, uid fleet.UserID, limit int) ([]store.Operation, error) {
	path := userPath(uid, "/operations")
	if limit > 0 {
		path += "?" + url.Values{"limit": {strconv.Itoa(limit)}}.Encode()
	}
	var ops []store.Operation
	_, err := c.do(ctx, http.MethodGet, path, nil, &ops)
	return ops, err
}

func (c *Client) Health(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodGet, "/health", nil, nil)
	return err
}
