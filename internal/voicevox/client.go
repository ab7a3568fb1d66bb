package voicevox

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

	"github.com/loqalabs/loqa-voicebot/internal/config"
	"github.com/loqalabs/loqa-voicebot/internal/synthesis"
)

const maxErrorBody = 512

// Client talks to a VOICEVOX-compatible engine over HTTP.
type Client struct {
	endpoint string
	http     *http.Client
}

// NewClient builds a client from engine config.
func NewClient(cfg config.EngineConfig) *Client {
	return &Client{
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		http:     &http.Client{Timeout: time.Duration(cfg.TimeoutMS) * time.Millisecond},
	}
}

// Endpoint returns the engine base URL.
func (c *Client) Endpoint() string { return c.endpoint }

// AudioQuery asks the engine for the query plan of text spoken with styleID.
func (c *Client) AudioQuery(ctx context.Context, text, styleID string) (json.RawMessage, error) {
	params := url.Values{}
	params.Set("text", text)
	params.Set("speaker", styleID)

	body, err := c.do(ctx, http.MethodPost, "/audio_query", params, nil)
	if err != nil {
		return nil, err
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("audio_query returned invalid JSON (%d bytes)", len(body))
	}
	return json.RawMessage(body), nil
}

// Synthesize renders plan into WAV audio. The cancellable endpoint lets the engine
// abort work when the request goes away.
func (c *Client) Synthesize(ctx context.Context, plan json.RawMessage, styleID string, cancellable bool) ([]byte, error) {
	path := "/synthesis"
	if cancellable {
		path = "/cancellable_synthesis"
	}
	params := url.Values{}
	params.Set("speaker", styleID)
	params.Set("enable_interrogative_upspeak", "true")

	audio, err := c.do(ctx, http.MethodPost, path, params, plan)
	if err != nil {
		return nil, err
	}
	if len(audio) == 0 {
		return nil, fmt.Errorf("%s returned no audio", path)
	}
	return audio, nil
}

// Speakers lists the voices the engine offers.
func (c *Client) Speakers(ctx context.Context) ([]Speaker, error) {
	body, err := c.do(ctx, http.MethodGet, "/speakers", nil, nil)
	if err != nil {
		return nil, err
	}
	var speakers []Speaker
	if err := json.Unmarshal(body, &speakers); err != nil {
		return nil, fmt.Errorf("decode speakers: %w", err)
	}
	return speakers, nil
}

// Version returns the engine version string; it doubles as a liveness probe.
func (c *Client) Version(ctx context.Context) (string, error) {
	body, err := c.do(ctx, http.MethodGet, "/version", nil, nil)
	if err != nil {
		return "", err
	}
	var version string
	if err := json.Unmarshal(body, &version); err != nil {
		return strings.TrimSpace(string(body)), nil
	}
	return version, nil
}

func (c *Client) do(ctx context.Context, method, path string, params url.Values, payload []byte) ([]byte, error) {
	target := c.endpoint + path
	if len(params) > 0 {
		target += "?" + params.Encode()
	}

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, synthesis.Permanent(fmt.Errorf("build %s request: %w", path, err))
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", path, err)
	}
	if resp.StatusCode >= 300 {
		statusErr := &StatusError{Path: path, Code: resp.StatusCode, Body: truncate(data)}
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return nil, synthesis.Permanent(statusErr)
		}
		return nil, statusErr
	}
	return data, nil
}

// StatusError is a non-2xx engine response.
type StatusError struct {
	Path string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s returned status %d", e.Path, e.Code)
	}
	return fmt.Sprintf("%s returned status %d: %s", e.Path, e.Code, e.Body)
}

func truncate(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > maxErrorBody {
		s = s[:maxErrorBody]
	}
	return s
}
