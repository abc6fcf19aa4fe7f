// Package api is the HTTP client of the marketplace backend.
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
	"time"

	"github.com/golang/glog"
)

const (
	DefaultTimeout = 30 * time.Second

	maxResponseSize = 8 << 20
)

// ErrMalformedResponse is returned when a response misses an expected field.
var ErrMalformedResponse = errors.New("api: malformed response")

// Error is a request failure reported to the user. Message is the server
// supplied message when there is one, else a fallback for the operation.
type Error struct {
	StatusCode int // zero when no response was received
	Message    string
	Err        error
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsCanceled reports whether err comes from a canceled request. Such errors
// are not failures and should not be shown to the user.
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled)
}

// Client is the backend API client.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewClient creates a client for baseURL. A non-nil jar forwards its cookies
// on every request, like a browser with credentials included.
func NewClient(baseURL string, jar http.CookieJar) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{
			Timeout: DefaultTimeout,
			Jar:     jar,
		},
	}
}

// envelope is the common response shape `{success, data, message}`.
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
}

// doRequest performs a request and returns the response body of a 2xx
// response. Any other outcome is an *Error with fallback as message unless
// the server supplied one.
func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values,
	body io.Reader, contentType, fallback string) ([]byte, error) {

	u := c.BaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, &Error{Message: fallback, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		if !IsCanceled(err) {
			glog.Errorf("api: %s %s error: %v", method, path, err)
		}
		return nil, &Error{Message: fallback, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, &Error{StatusCode: resp.StatusCode, Message: fallback, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var errResp struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(respBody, &errResp)
		msg := errResp.Message
		if msg == "" {
			msg = fallback
		}
		glog.Errorf("api: %s %s: %s, %s", method, path, resp.Status, msg)
		return nil, &Error{StatusCode: resp.StatusCode, Message: msg, Err: fmt.Errorf("http status %s", resp.Status)}
	}

	return respBody, nil
}

// getEnvelope performs a GET and decodes the data of a successful envelope into out.
func (c *Client) getEnvelope(ctx context.Context, path string, query url.Values, fallback string, out interface{}) error {
	respBody, err := c.doRequest(ctx, http.MethodGet, path, query, nil, "", fallback)
	if err != nil {
		return err
	}

	var env envelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		return &Error{StatusCode: http.StatusOK, Message: fallback, Err: fmt.Errorf("%w: %v", ErrMalformedResponse, err)}
	}
	if !env.Success {
		msg := env.Message
		if msg == "" {
			msg = fallback
		}
		return &Error{StatusCode: http.StatusOK, Message: msg}
	}
	if err := decodeData(env.Data, out); err != nil {
		return &Error{StatusCode: http.StatusOK, Message: fallback, Err: err}
	}
	return nil
}

func decodeData(data json.RawMessage, out interface{}) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return fmt.Errorf("%w: missing data", ErrMalformedResponse)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return nil
}
