package relay

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/tjfontaine/llm-key-carousel/internal/activity"
	"github.com/tjfontaine/llm-key-carousel/internal/metrics"
	"github.com/tjfontaine/llm-key-carousel/internal/server"
	"github.com/tjfontaine/llm-key-carousel/internal/tokens"
)

// ChatCompletionsPath is appended to the upstream base URL.
const ChatCompletionsPath = "/chat/completions"

const eventStreamType = "text/event-stream"

// KeySource is the view of the key pool the engine needs.
type KeySource interface {
	Selected() (key string, index int)
	Index() int
	Advance()
}

// Engine relays requests to one upstream endpoint.
type Engine struct {
	endpoint   string
	keys       KeySource
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Collector
	recorder   activity.Recorder
	estimator  *tokens.Estimator
}

// Option configures the engine.
type Option func(*Engine)

// WithHTTPClient sets the client used for upstream calls.
func WithHTTPClient(client *http.Client) Option {
	return func(e *Engine) {
		e.httpClient = client
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Collector) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithRecorder enables the activity log.
func WithRecorder(r activity.Recorder) Option {
	return func(e *Engine) {
		e.recorder = r
	}
}

// WithEstimator enables prompt token estimates on activity rows and metrics.
func WithEstimator(est *tokens.Estimator) Option {
	return func(e *Engine) {
		e.estimator = est
	}
}

// New creates an engine posting to baseURL + ChatCompletionsPath.
func New(baseURL string, keys KeySource, opts ...Option) *Engine {
	e := &Engine{
		endpoint: strings.TrimRight(baseURL, "/") + ChatCompletionsPath,
		keys:     keys,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.httpClient == nil {
		e.httpClient = NewHTTPClient(0)
	}
	if e.metrics == nil {
		e.metrics = metrics.New(nil)
	}
	return e
}

// NewHTTPClient returns the upstream client. timeout bounds dialing and the
// wait for response headers; streamed bodies are never cut off by it.
// Compression is left to the caller so bodies pass through untouched.
func NewHTTPClient(timeout time.Duration) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DisableCompression = true
	if timeout > 0 {
		transport.DialContext = (&net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}).DialContext
		transport.ResponseHeaderTimeout = timeout
	}
	return &http.Client{
		Transport: otelhttp.NewTransport(transport),
		// Redirects are relayed, not followed.
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// Request is an inbound request reduced to what is forwarded.
type Request struct {
	Header http.Header
	Body   []byte
}

// Forward sends req upstream with the current key. A nil error means a status
// was received; the caller owns the returned Response and must drain or Close
// it. A 429 has already advanced the key pool when Forward returns.
func (e *Engine) Forward(ctx context.Context, req *Request) (*Response, error) {
	header := req.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	header.Del("Authorization")
	header.Del("Host")

	key, index := e.keys.Selected()
	header.Set("Authorization", "Bearer "+key)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(req.Body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header = header

	start := time.Now()
	resp, err := e.httpClient.Do(httpReq)
	if err != nil {
		e.metrics.ObserveTransportError()
		return nil, err
	}
	e.metrics.ObserveUpstream(resp.StatusCode, time.Since(start))

	out := &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Streaming:  isEventStream(resp.Header.Get("Content-Type")),
		KeyIndex:   index,
		body:       resp.Body,
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		e.keys.Advance()
		out.Rotated = true
		next := e.keys.Index()
		e.metrics.ObserveRotation(next)
		e.logger.WarnContext(ctx, "upstream rate limited, rotating key",
			slog.String("request_id", server.GetRequestID(ctx)),
			slog.Int("key_index", index),
			slog.Int("next_key_index", next),
		)
	}

	return out, nil
}

// ServeHTTP relays one inbound chat completion request.
func (e *Engine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	requestID := server.GetRequestID(ctx)

	body, err := io.ReadAll(r.Body)
	if err != nil {
		// Forwarded as an empty body.
		e.logger.WarnContext(ctx, "failed to read request body",
			slog.String("request_id", requestID),
			slog.String("error", err.Error()),
		)
		body = nil
	}

	entry := &activity.Entry{RequestID: requestID}
	if e.estimator != nil {
		entry.PromptTokens = e.estimator.Estimate(body)
		e.metrics.ObservePromptTokens(entry.PromptTokens)
	}
	defer func() {
		entry.Duration = time.Since(start)
		e.record(ctx, entry)
	}()

	resp, err := e.Forward(ctx, &Request{Header: r.Header, Body: body})
	if err != nil {
		entry.KeyIndex = e.keys.Index()
		entry.Status = http.StatusInternalServerError
		entry.Error = err.Error()
		e.writeTransportError(w, r, err)
		return
	}
	defer resp.Close()

	entry.KeyIndex = resp.KeyIndex
	entry.Status = resp.StatusCode
	entry.Streaming = resp.Streaming
	entry.Rotated = resp.Rotated

	server.AddLogField(ctx, "upstream_status", strconv.Itoa(resp.StatusCode))
	server.AddLogField(ctx, "key_index", strconv.Itoa(resp.KeyIndex))
	server.AddLogField(ctx, "stream", strconv.FormatBool(resp.Streaming))
	if resp.Rotated {
		server.AddLogField(ctx, "rotated", "true")
	}
	e.metrics.ObserveRequest(resp.Streaming)

	if resp.Streaming {
		entry.BytesOut, err = e.relayStream(w, resp)
		if err != nil {
			entry.Error = err.Error()
			e.logger.WarnContext(ctx, "stream ended early",
				slog.String("request_id", requestID),
				slog.Int64("bytes", entry.BytesOut),
				slog.String("error", err.Error()),
			)
		}
		return
	}

	data, err := resp.Bytes()
	if err != nil {
		entry.Status = http.StatusInternalServerError
		entry.Error = err.Error()
		e.writeTransportError(w, r, err)
		return
	}
	copyHeader(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	n, _ := w.Write(data)
	entry.BytesOut = int64(n)
}

// relayStream writes headers, then each chunk as it arrives, flushing after
// every write so the caller sees events without delay.
func (e *Engine) relayStream(w http.ResponseWriter, resp *Response) (int64, error) {
	copyHeader(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)

	rc := http.NewResponseController(w)
	_ = rc.Flush()

	var written int64
	for chunk, err := range resp.Chunks() {
		if err != nil {
			return written, err
		}
		e.logger.Debug("relaying chunk", slog.Int("size", len(chunk)))
		n, werr := w.Write(chunk)
		written += int64(n)
		if werr != nil {
			// Caller went away; stop reading upstream.
			return written, fmt.Errorf("write to caller: %w", werr)
		}
		if ferr := rc.Flush(); ferr != nil {
			return written, fmt.Errorf("flush to caller: %w", ferr)
		}
	}
	return written, nil
}

func (e *Engine) writeTransportError(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	server.AddError(ctx, err)
	if ctx.Err() != nil {
		e.logger.InfoContext(ctx, "caller went away before upstream answered",
			slog.String("request_id", server.GetRequestID(ctx)),
			slog.String("error", err.Error()),
		)
	} else {
		e.logger.ErrorContext(ctx, "upstream request failed",
			slog.String("request_id", server.GetRequestID(ctx)),
			slog.String("error", err.Error()),
		)
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusInternalServerError)
	_, _ = io.WriteString(w, err.Error())
}

func (e *Engine) record(ctx context.Context, entry *activity.Entry) {
	if e.recorder == nil {
		return
	}
	// The caller may be gone; the row is still worth keeping.
	if err := e.recorder.Record(context.WithoutCancel(ctx), entry); err != nil {
		e.logger.ErrorContext(ctx, "failed to record activity",
			slog.String("request_id", entry.RequestID),
			slog.String("error", err.Error()),
		)
	}
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		dst[k] = append([]string(nil), vv...)
	}
}

// isEventStream reports whether contentType names the SSE media type.
// Parameters such as charset are ignored.
func isEventStream(contentType string) bool {
	if contentType == "" {
		return false
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mediaType == eventStreamType
}
