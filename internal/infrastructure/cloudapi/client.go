// Package cloudapi is the HTTP boundary to the smart-plug cloud provider.
//
// The synchronisation core needs exactly two operations from the provider:
// issue a relay control command for a live session, and fetch authoritative
// device status on demand. Authentication/token refresh against the provider
// is handled upstream; this client only attaches the configured bearer token.
package cloudapi

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/nerrad567/plugsync-core/internal/infrastructure/config"
)

// Logger is the minimal logging interface used by the client.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Warn(string, ...any)  {}

// Default retry pacing for transient provider failures.
const (
	retryWaitTime    = 500 * time.Millisecond
	retryMaxWaitTime = 2 * time.Second
)

// Client talks to the provider's command and status endpoints.
//
// Thread Safety: all methods are safe for concurrent use.
type Client struct {
	http   *resty.Client
	logger Logger
}

// apiResponse is the provider's standard response envelope.
type apiResponse struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// controlRequest is the body of a relay control command.
type controlRequest struct {
	Action string `json:"action"`
}

// statusPayload is the wire shape of a device status report.
type statusPayload struct {
	DeviceID     string   `json:"device_id"`
	Online       bool     `json:"online"`
	Switch       *string  `json:"switch,omitempty"`
	PowerW       *float64 `json:"power_w,omitempty"`
	VoltageV     *float64 `json:"voltage_v,omitempty"`
	TemperatureC *float64 `json:"temperature_c,omitempty"`
	ObservedAtMS int64    `json:"observed_at,omitempty"`
}

// DeviceStatus is an authoritative snapshot of one device as reported by the
// provider. Online=false is an explicit unreachability report, not an error:
// the reconciliation path applies it to the cache.
type DeviceStatus struct {
	DeviceID     string
	Online       bool
	RelayOn      *bool
	PowerW       *float64
	VoltageV     *float64
	TemperatureC *float64
	ObservedAt   time.Time
}

// New creates a cloud API client from configuration.
func New(cfg config.CloudAPIConfig) *Client {
	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(retryWaitTime).
		SetRetryMaxWaitTime(retryMaxWaitTime).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	if cfg.Token != "" {
		httpClient.SetAuthToken(cfg.Token)
	}

	return &Client{
		http:   httpClient,
		logger: noopLogger{},
	}
}

// SetLogger sets a logger for request diagnostics.
func (c *Client) SetLogger(logger Logger) {
	if logger != nil {
		c.logger = logger
	}
}

// SendControl issues an on/off command for the device behind a live cloud
// session. The session ID comes from the session mapper; the provider does
// not accept commands addressed by internal device ID.
//
// Parameters:
//   - ctx: Bounds the call; expiry is treated as failure by the caller
//   - sessionID: The relay's current session identifier for the device
//   - turnOn: Desired relay position
//
// Returns:
//   - error: nil on acknowledged commands, ErrControlFailed otherwise
func (c *Client) SendControl(ctx context.Context, sessionID string, turnOn bool) error {
	action := "off"
	if turnOn {
		action = "on"
	}

	var envelope apiResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(controlRequest{Action: action}).
		SetResult(&envelope).
		SetError(&envelope).
		Post(fmt.Sprintf("/v1/sessions/%s/control", sessionID))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrControlFailed, err)
	}
	if resp.IsError() || envelope.Code != 0 {
		c.logger.Warn("control command rejected",
			"session_id", sessionID,
			"action", action,
			"status", resp.StatusCode(),
			"provider_code", envelope.Code,
			"provider_message", envelope.Message,
		)
		return fmt.Errorf("%w: provider code %d: %s", ErrControlFailed, envelope.Code, envelope.Message)
	}

	c.logger.Debug("control command acknowledged", "session_id", sessionID, "action", action)
	return nil
}

// FetchStatus retrieves the authoritative status of a device by its stable
// internal ID. A report with Online=false is a successful fetch; only
// transport and provider errors return ErrStatusFailed, in which case the
// caller must not treat the absence of information as evidence of offline.
func (c *Client) FetchStatus(ctx context.Context, deviceID string) (*DeviceStatus, error) {
	var envelope apiResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&envelope).
		SetError(&envelope).
		Get(fmt.Sprintf("/v1/devices/%s/status", deviceID))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStatusFailed, err)
	}
	if resp.IsError() || envelope.Code != 0 {
		return nil, fmt.Errorf("%w: provider code %d: %s", ErrStatusFailed, envelope.Code, envelope.Message)
	}

	var payload statusPayload
	if err := json.Unmarshal(envelope.Data, &payload); err != nil {
		return nil, fmt.Errorf("%w: decoding status payload: %w", ErrStatusFailed, err)
	}

	status := &DeviceStatus{
		DeviceID:     payload.DeviceID,
		Online:       payload.Online,
		PowerW:       payload.PowerW,
		VoltageV:     payload.VoltageV,
		TemperatureC: payload.TemperatureC,
	}
	if payload.Switch != nil {
		on := *payload.Switch == "on"
		status.RelayOn = &on
	}
	if payload.ObservedAtMS > 0 {
		status.ObservedAt = time.UnixMilli(payload.ObservedAtMS).UTC()
	}
	return status, nil
}
