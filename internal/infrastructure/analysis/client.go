package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/textproto"
	"sync"
	"time"

	"framerelay/internal/core/domain"
	"framerelay/pkg/circuitbreaker"
	apperrors "framerelay/pkg/errors"
	"framerelay/pkg/optimize"
	"framerelay/pkg/tracing"
	"framerelay/pkg/utils"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const (
	formField       = "file"
	formFilename    = "frame.jpg"
	formContentType = "image/jpeg"

	maxResponseBytes = 32 << 20
	maxReasonLength  = 200

	initialBufferSize = 64 << 10
	maxPooledBuffer   = 4 << 20
)

type Config struct {
	URL     string
	Timeout time.Duration
	Breaker circuitbreaker.Config
}

// Client uploads frames to the image-analysis service. Every call is made
// once; repeated failures open the circuit breaker and later calls fail fast
// until it lets a probe through.
type Client struct {
	url        string
	httpClient *http.Client
	breaker    *circuitbreaker.CircuitBreaker
	buffers    *optimize.BufferPool
	logger     *zap.SugaredLogger
}

func NewClient(cfg Config, logger *zap.SugaredLogger) *Client {
	breakerCfg := cfg.Breaker
	breakerCfg.IsFailure = func(err error) bool {
		// The service answered; it just did not like the frame.
		return !apperrors.HasCode(err, apperrors.ErrCodeAnalysisRejected)
	}

	c := &Client{
		url: cfg.URL,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		breaker: circuitbreaker.New(breakerCfg),
		buffers: optimize.NewBufferPool(initialBufferSize, maxPooledBuffer),
		logger:  logger,
	}

	c.breaker.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Warnw("analysis circuit breaker state changed",
			"from", from.String(),
			"to", to.String(),
			"url", c.url,
		)
	})
	return c
}

// Analyze uploads one JPEG frame and returns the parsed result. Failures are
// returned as *errors.AppError.
func (c *Client) Analyze(ctx context.Context, frame []byte) (*domain.AnalysisResult, error) {
	ctx, span := tracing.TraceAnalysis(ctx, c.url, len(frame))
	defer span.End()
	start := time.Now()

	var result *domain.AnalysisResult
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		var callErr error
		result, callErr = c.post(ctx, frame)
		return callErr
	})
	if errors.Is(err, circuitbreaker.ErrOpen) {
		err = apperrors.NewAnalysisUnavailableError(err)
	}

	tracing.MeasureDuration(ctx, start, "analysis.analyze")
	if err != nil {
		tracing.RecordError(ctx, err)
		return nil, err
	}

	tracing.AddSpanAttributes(ctx,
		attribute.Int("analysis.width", result.Width),
		attribute.Int("analysis.height", result.Height),
		attribute.Int("analysis.edge_pixels", result.EdgePixels),
	)
	return result, nil
}

// BreakerState reports the state of the circuit breaker around the service.
func (c *Client) BreakerState() circuitbreaker.State {
	return c.breaker.GetState()
}

// HealthCheck fails while the breaker is open.
func (c *Client) HealthCheck(ctx context.Context) error {
	if state := c.breaker.GetState(); state == circuitbreaker.StateOpen {
		return fmt.Errorf("analysis circuit breaker is %s", state)
	}
	return nil
}

func (c *Client) post(ctx context.Context, frame []byte) (*domain.AnalysisResult, error) {
	buf := c.buffers.Get()
	contentType, err := encodeFrame(buf, frame)
	if err != nil {
		c.buffers.Put(buf)
		return nil, apperrors.WrapError(err, apperrors.ErrCodeInternal, "failed to encode frame", http.StatusInternalServerError)
	}

	body := &pooledBody{Reader: bytes.NewReader(buf.Bytes()), buf: buf, pool: c.buffers}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, body)
	if err != nil {
		_ = body.Close()
		return nil, apperrors.WrapError(err, apperrors.ErrCodeInternal, "invalid analysis request", http.StatusInternalServerError)
	}
	req.ContentLength = int64(buf.Len())
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransportError(ctx, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		if isTimeout(ctx, err) {
			return nil, apperrors.NewAnalysisTimeoutError(err)
		}
		return nil, apperrors.NewBadGatewayError("failed to read analysis response", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Debugw("analysis service returned error status",
			"status", resp.StatusCode,
			"body_bytes", len(raw),
		)
		return nil, apperrors.NewBadGatewayError(
			fmt.Sprintf("analysis service returned status %d", resp.StatusCode), nil,
		).WithContext("status", resp.StatusCode).
			WithContext("body", utils.TruncateString(utils.SanitizeString(string(raw)), maxReasonLength))
	}

	return decodeResult(raw)
}

// pooledBody returns its buffer to the pool once the transport closes it.
type pooledBody struct {
	*bytes.Reader
	buf  *bytes.Buffer
	pool *optimize.BufferPool
	once sync.Once
}

func (b *pooledBody) Close() error {
	b.once.Do(func() { b.pool.Put(b.buf) })
	return nil
}

// encodeFrame writes frame to buf as a single multipart file part and
// returns the body's content type.
func encodeFrame(buf *bytes.Buffer, frame []byte) (string, error) {
	writer := multipart.NewWriter(buf)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, formField, formFilename))
	header.Set("Content-Type", formContentType)

	part, err := writer.CreatePart(header)
	if err != nil {
		return "", err
	}
	if _, err := part.Write(frame); err != nil {
		return "", err
	}
	if err := writer.Close(); err != nil {
		return "", err
	}
	return writer.FormDataContentType(), nil
}

type resultFields struct {
	Width      *int    `json:"width"`
	Height     *int    `json:"height"`
	EdgePixels *int    `json:"edge_pixels"`
	Processed  *string `json:"processed"`
}

// decodeResult validates a 2xx body. The service reports undecodable images
// with a 200 and an "error" field, which is a rejection rather than a result.
func decodeResult(raw []byte) (*domain.AnalysisResult, error) {
	raw = bytes.TrimSpace(raw)

	var object map[string]json.RawMessage
	if err := json.Unmarshal(raw, &object); err != nil || object == nil {
		return nil, apperrors.NewBadGatewayError("malformed analysis response", err)
	}

	if reason, exists := object["error"]; exists {
		var message string
		if err := json.Unmarshal(reason, &message); err != nil {
			message = string(reason)
		}
		message = utils.TruncateString(utils.SanitizeString(message), maxReasonLength)
		return nil, apperrors.NewAnalysisRejectedError(message)
	}

	var fields resultFields
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, apperrors.NewBadGatewayError("malformed analysis response", err)
	}
	if fields.Width == nil || fields.Height == nil || fields.EdgePixels == nil || fields.Processed == nil {
		return nil, apperrors.NewBadGatewayError("incomplete analysis response", nil)
	}

	return &domain.AnalysisResult{
		Width:      *fields.Width,
		Height:     *fields.Height,
		EdgePixels: *fields.EdgePixels,
		Processed:  *fields.Processed,
		Raw:        json.RawMessage(raw),
	}, nil
}

func classifyTransportError(ctx context.Context, err error) error {
	if isTimeout(ctx, err) {
		return apperrors.NewAnalysisTimeoutError(err)
	}
	return apperrors.NewAnalysisUnavailableError(err)
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
