package remote

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

	"github.com/pkg/errors"

	"mistcharge/internal/device"
)

const defaultTimeout = 10 * time.Second

// Client talks to the dashboard backend over HTTP/JSON.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout bounds every request.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.httpClient.Timeout = timeout
		}
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

// CommandResponse is the backend's answer to /command and /power.
type CommandResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

type statusResponse struct {
	Temperature  float64 `json:"temperature"`
	Humidity     float64 `json:"humidity"`
	WaterLevel   float64 `json:"waterLevel"`
	BatteryLevel float64 `json:"batteryLevel"`
	WaterQuality string  `json:"waterQuality"`
	LastUpdated  string  `json:"lastUpdated"`
	IsPoweredOn  *bool   `json:"isPoweredOn"`
}

type commandRequest struct {
	Command    string         `json:"command"`
	Parameters map[string]any `json:"parameters"`
}

type powerRequest struct {
	IsOn bool `json:"isOn"`
}

// Status fetches the current sensor values.
func (c *Client) Status(ctx context.Context) (*device.SensorSnapshot, error) {
	var payload statusResponse
	if err := c.do(ctx, http.MethodGet, "/status", nil, &payload); err != nil {
		return nil, err
	}

	lastUpdated, err := parseTimestamp(payload.LastUpdated)
	if err != nil {
		return nil, &NetworkError{Op: "GET", URL: c.baseURL + "/status", Err: errors.Wrap(err, "decode lastUpdated")}
	}

	isOn := false
	if payload.IsPoweredOn != nil {
		isOn = *payload.IsPoweredOn
	}

	return &device.SensorSnapshot{
		Temperature:   payload.Temperature,
		Humidity:      payload.Humidity,
		WaterLevel:    payload.WaterLevel,
		WaterCapacity: device.WaterCapacity,
		BatteryLevel:  payload.BatteryLevel,
		WaterQuality:  device.NormalizeQuality(payload.WaterQuality),
		IsPoweredOn:   isOn,
		LastUpdated:   lastUpdated,
	}, nil
}

// Stats fetches the daily series for the last days days.
func (c *Client) Stats(ctx context.Context, days int) (device.StatisticsSeries, error) {
	if days <= 0 {
		days = 7
	}
	query := url.Values{}
	query.Set("days", strconv.Itoa(days))

	var series device.StatisticsSeries
	if err := c.do(ctx, http.MethodGet, "/stats?"+query.Encode(), nil, &series); err != nil {
		return nil, err
	}
	if series == nil {
		series = device.StatisticsSeries{}
	}
	return series, nil
}

// SendCommand posts a generic device command. A 2xx answer with
// success=false is treated as a failed delivery.
func (c *Client) SendCommand(ctx context.Context, command string, params map[string]any) (*CommandResponse, error) {
	if params == nil {
		params = map[string]any{}
	}
	return c.postCommand(ctx, "/command", commandRequest{Command: command, Parameters: params})
}

// SetPower switches the device on or off.
func (c *Client) SetPower(ctx context.Context, on bool) (*CommandResponse, error) {
	return c.postCommand(ctx, "/power", powerRequest{IsOn: on})
}

// Ping checks the backend health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}

func (c *Client) postCommand(ctx context.Context, path string, body any) (*CommandResponse, error) {
	var resp CommandResponse
	if err := c.do(ctx, http.MethodPost, path, body, &resp); err != nil {
		return nil, err
	}
	if !resp.Success {
		return &resp, &NetworkError{
			Op:  http.MethodPost,
			URL: c.baseURL + path,
			Err: errors.Wrap(ErrRejected, resp.Message),
		}
	}
	return &resp, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	endpoint := c.baseURL + path

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &NetworkError{Op: method, URL: endpoint, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &NetworkError{
			Op:         method,
			URL:        endpoint,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("bad status %s: %s", resp.Status, strings.TrimSpace(string(msg))),
		}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &NetworkError{Op: method, URL: endpoint, StatusCode: resp.StatusCode, Err: errors.Wrap(err, "decode response")}
	}
	return nil
}

func parseTimestamp(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Now().UTC(), nil
	}
	return time.Parse(time.RFC3339Nano, value)
}
