// Package synthesis implements the client for the remote speech-synthesis
// service. One request is issued per segment and every response is validated
// before it is reported as a success.
package synthesis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/book-expert/lektor/internal/core"
	"golang.org/x/time/rate"
)

// API endpoints and paths.
const (
	apiSynthesize = "/synthesize/"
	apiHealth     = "/health"
)

// HTTP headers.
const (
	headerContentType = "Content-Type"
	headerAccept      = "Accept"
	headerModelID     = "X-Model-Id"
	contentTypeJSON   = "application/json"
	acceptAudio       = "audio/*"
	audioMediaPrefix  = "audio/"
)

// Static errors.
var (
	ErrTextEmpty         = errors.New("text cannot be empty")
	ErrVoiceModelEmpty   = errors.New("voice model id cannot be empty")
	ErrUnexpectedContent = errors.New("unexpected content type")
	ErrEmptyAudio        = errors.New("received empty audio data")
	ErrModelMismatch     = errors.New("service answered for a different voice model")
)

// Request is the JSON body of a synthesis request.
type Request struct {
	Text     string                 `json:"text"`
	Metadata core.SynthesisMetadata `json:"metadata"`
}

// ErrorResponse represents a structured error response from the service.
type ErrorResponse struct {
	Detail    string `json:"detail"`
	ErrorCode string `json:"error_code,omitempty"`
}

// Error describes a failed synthesis call. Transport failures carry the cause
// in Err; service failures carry the HTTP status and the decoded detail.
type Error struct {
	StatusCode int
	Detail     string
	Code       string
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("synthesis request failed: %v", e.Err)
	}

	if e.Code != "" {
		return fmt.Sprintf("synthesis service error (%d): %s (code: %s)", e.StatusCode, e.Detail, e.Code)
	}

	return fmt.Sprintf("synthesis service error (%d): %s", e.StatusCode, e.Detail)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether repeating the request may succeed.
func (e *Error) Retryable() bool {
	if e.StatusCode == 0 {
		return e.Err != nil && !errors.Is(e.Err, context.Canceled)
	}

	return e.StatusCode == http.StatusRequestTimeout ||
		e.StatusCode == http.StatusTooManyRequests ||
		e.StatusCode >= http.StatusInternalServerError
}

// IsRetryable classifies any error returned by Synthesize.
func IsRetryable(err error) bool {
	var synthesisErr *Error
	if errors.As(err, &synthesisErr) {
		return synthesisErr.Retryable()
	}

	return errors.Is(err, context.DeadlineExceeded)
}

// Client talks to the synthesis service over HTTP.
type Client struct {
	httpClient *http.Client
	baseURL    string
	limiter    *rate.Limiter
}

// Option configures a Client.
type Option func(*Client)

// WithRateLimit caps the sustained request rate. A non-positive rate disables
// limiting.
func WithRateLimit(requestsPerSecond float64, burst int) Option {
	return func(c *Client) {
		if requestsPerSecond <= 0 {
			c.limiter = nil

			return
		}

		c.limiter = rate.NewLimiter(rate.Limit(requestsPerSecond), max(burst, 1))
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// NewClient creates a client for the service at baseURL
// (e.g. "http://tts-svc:8000"). The timeout bounds every HTTP exchange; per
// segment deadlines are applied by the caller through the context.
func NewClient(baseURL string, timeout time.Duration, opts ...Option) *Client {
	client := &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(baseURL, "/"),
		limiter:    nil,
	}

	for _, opt := range opts {
		opt(client)
	}

	return client
}

// Synthesize sends one segment to the service and returns the validated audio.
func (c *Client) Synthesize(
	ctx context.Context,
	voiceModelID string,
	text string,
	metadata core.SynthesisMetadata,
) (core.SynthesisResult, error) {
	if voiceModelID == "" {
		return core.SynthesisResult{}, ErrVoiceModelEmpty
	}

	if strings.TrimSpace(text) == "" {
		return core.SynthesisResult{}, ErrTextEmpty
	}

	if c.limiter != nil {
		err := c.limiter.Wait(ctx)
		if err != nil {
			return core.SynthesisResult{}, &Error{StatusCode: 0, Detail: "", Code: "", Err: err}
		}
	}

	requestBody, err := json.Marshal(Request{Text: text, Metadata: metadata})
	if err != nil {
		return core.SynthesisResult{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	endpoint := c.baseURL + apiSynthesize + url.PathEscape(voiceModelID)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(requestBody))
	if err != nil {
		return core.SynthesisResult{}, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set(headerContentType, contentTypeJSON)
	httpReq.Header.Set(headerAccept, acceptAudio)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return core.SynthesisResult{}, &Error{StatusCode: 0, Detail: "", Code: "", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return core.SynthesisResult{}, parseErrorResponse(resp)
	}

	return readResult(resp, voiceModelID)
}

// HealthCheck verifies that the synthesis service is running.
func (c *Client) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+apiHealth, http.NoBody)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed for service at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed with status: %s", resp.Status)
	}

	return nil
}

// readResult validates a success response. The service has been known to
// answer 200 with an error document, so the content type is checked as well.
func readResult(resp *http.Response, voiceModelID string) (core.SynthesisResult, error) {
	contentType := resp.Header.Get(headerContentType)

	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil || !strings.HasPrefix(mediaType, audioMediaPrefix) {
		return core.SynthesisResult{}, fmt.Errorf("%w: expected audio/*, got %q", ErrUnexpectedContent, contentType)
	}

	modelID := resp.Header.Get(headerModelID)
	if modelID != "" && modelID != voiceModelID {
		return core.SynthesisResult{}, fmt.Errorf("%w: requested %s, got %s", ErrModelMismatch, voiceModelID, modelID)
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return core.SynthesisResult{}, &Error{StatusCode: 0, Detail: "", Code: "", Err: err}
	}

	if len(audio) == 0 {
		return core.SynthesisResult{}, ErrEmptyAudio
	}

	return core.SynthesisResult{Audio: audio, ContentType: mediaType, ModelID: modelID}, nil
}

// parseErrorResponse attempts to decode a structured JSON error from the service.
// If structured parsing fails, it falls back to the raw response body.
func parseErrorResponse(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)

	var errorResp ErrorResponse

	err := json.Unmarshal(body, &errorResp)
	if err == nil && errorResp.Detail != "" {
		return &Error{StatusCode: resp.StatusCode, Detail: errorResp.Detail, Code: errorResp.ErrorCode, Err: nil}
	}

	return &Error{StatusCode: resp.StatusCode, Detail: strings.TrimSpace(string(body)), Code: "", Err: nil}
}
