// ABOUTME: REST client for the capture server control surface
// ABOUTME: Lists devices and files, connects the engine, drives recording and cloud push
package control

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
	"time"
)

// maxErrorBody bounds how much of a failed response is kept
const maxErrorBody = 4096

// ErrRequest is wrapped by every non-2xx response
var ErrRequest = errors.New("control request failed")

// Device is an audio input device on the capture host
type Device struct {
	ID     int    `json:"id"`
	Name   string `json:"name"`
	Inputs int    `json:"inputs"`
}

// Status is the capture server's engine and recording status
type Status struct {
	IsRunning          bool    `json:"isRunning"`
	IsRecording        bool    `json:"isRecording"`
	ChL                int     `json:"chL"`
	ChR                int     `json:"chR"`
	Boost              float64 `json:"boost"`
	DeviceID           int     `json:"deviceId"`
	StorageLocation    string  `json:"storageLocation"`
	CloudDriveLocation string  `json:"cloudDriveLocation"`
}

// File is a finished recording on the capture host
type File struct {
	Name    string    `json:"name"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"modTime"`
}

// request is the body of POST /api/control
type request struct {
	Action   string   `json:"action"`
	DeviceID int      `json:"DeviceID,omitempty"`
	ChL      *int     `json:"chL,omitempty"`
	ChR      *int     `json:"chR,omitempty"`
	Boost    *float64 `json:"Boost,omitempty"`
}

// StatusError is returned for a non-2xx response and carries its text body
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: HTTP %d", ErrRequest, e.Code)
	}
	return fmt.Sprintf("%s: HTTP %d: %s", ErrRequest, e.Code, e.Body)
}

func (e *StatusError) Unwrap() error {
	return ErrRequest
}

// Client talks to the capture server's REST API
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client for the server at addr (host:port)
func NewClient(addr string, useTLS bool, timeout time.Duration) *Client {
	scheme := "http"
	if useTLS {
		scheme = "https"
	}
	u := url.URL{Scheme: scheme, Host: addr}
	return &Client{
		baseURL:    u.String(),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Devices lists the capture host's input devices
func (c *Client) Devices(ctx context.Context) ([]Device, error) {
	var devices []Device
	if err := c.do(ctx, http.MethodGet, "/api/devices", nil, &devices); err != nil {
		return nil, err
	}
	return devices, nil
}

// Status fetches the current engine status
func (c *Client) Status(ctx context.Context) (Status, error) {
	var status Status
	err := c.do(ctx, http.MethodGet, "/api/status", nil, &status)
	return status, err
}

// Connect starts the capture engine on a device
func (c *Client) Connect(ctx context.Context, deviceID int) error {
	return c.do(ctx, http.MethodPost, "/api/control", request{Action: "connect", DeviceID: deviceID}, nil)
}

// StartRecording begins a recording with the given boost
func (c *Client) StartRecording(ctx context.Context, boost float64) error {
	return c.do(ctx, http.MethodPost, "/api/control", request{Action: "start", Boost: &boost}, nil)
}

// StopRecording finalizes the current recording
func (c *Client) StopRecording(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/control", request{Action: "stop"}, nil)
}

// Update changes the channel mapping and boost; the server ignores it while recording
func (c *Client) Update(ctx context.Context, chL, chR int, boost float64) error {
	return c.do(ctx, http.MethodPost, "/api/control", request{Action: "update", ChL: &chL, ChR: &chR, Boost: &boost}, nil)
}

// Files lists finished recordings
func (c *Client) Files(ctx context.Context) ([]File, error) {
	var files []File
	if err := c.do(ctx, http.MethodGet, "/api/files", nil, &files); err != nil {
		return nil, err
	}
	return files, nil
}

// Push copies a recording to the cloud drive location under target
func (c *Client) Push(ctx context.Context, source, target string) error {
	body := struct {
		Source string `json:"source"`
		Target string `json:"target"`
	}{source, target}
	return c.do(ctx, http.MethodPost, "/api/push", body, nil)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		text, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(text))}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}

// Newest returns the most recently modified file
func Newest(files []File) (File, bool) {
	if len(files) == 0 {
		return File{}, false
	}
	newest := files[0]
	for _, f := range files[1:] {
		if f.ModTime.After(newest.ModTime) {
			newest = f
		}
	}
	return newest, true
}
