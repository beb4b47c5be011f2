package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"framerelay/internal/core/domain"
	"framerelay/internal/core/ports"
	apperrors "framerelay/pkg/errors"

	"go.uber.org/zap"
)

const defaultAnalysisTimeout = 5 * time.Second

type AnalysisBridgeConfig struct {
	// Timeout bounds each call to the analysis service.
	Timeout time.Duration
	// MaxInFlight caps outstanding calls per connection. Zero means no cap.
	MaxInFlight int
}

// AnalysisBridge sends every submitted frame to the analyzer on its own
// goroutine and reports the outcome to the submitting connection only. Calls
// are never retried, and results are tagged with a per-connection sequence
// number since they can complete out of order.
type AnalysisBridge struct {
	analyzer ports.Analyzer
	registry ports.ConnectionRegistry
	sink     ports.EventSink
	metrics  ports.Metrics
	logger   *zap.SugaredLogger
	config   AnalysisBridgeConfig

	mu    sync.Mutex
	conns map[domain.ConnectionID]*analysisState

	wg sync.WaitGroup
}

type analysisState struct {
	seq      uint64
	inFlight int
}

func NewAnalysisBridge(
	analyzer ports.Analyzer,
	registry ports.ConnectionRegistry,
	sink ports.EventSink,
	metrics ports.Metrics,
	logger *zap.SugaredLogger,
	config AnalysisBridgeConfig,
) *AnalysisBridge {
	if metrics == nil {
		metrics = NopMetrics{}
	}
	if config.Timeout <= 0 {
		config.Timeout = defaultAnalysisTimeout
	}
	b := &AnalysisBridge{
		analyzer: analyzer,
		registry: registry,
		sink:     sink,
		metrics:  metrics,
		logger:   logger,
		config:   config,
		conns:    make(map[domain.ConnectionID]*analysisState),
	}
	registry.OnUnregister(func(_ context.Context, id domain.ConnectionID, _ []domain.RoomID) {
		b.Forget(id)
	})
	return b
}

// Submit starts analysis of frame on behalf of from and returns the sequence
// number the outcome will carry. It returns immediately; frames from
// connections that are not live are dropped and report 0.
func (b *AnalysisBridge) Submit(ctx context.Context, from domain.ConnectionID, frame []byte) uint64 {
	b.mu.Lock()
	// Checked under mu so a concurrent Forget cannot be undone below.
	if !b.registry.IsLive(from) {
		b.mu.Unlock()
		return 0
	}
	state, exists := b.conns[from]
	if !exists {
		state = &analysisState{}
		b.conns[from] = state
	}
	state.seq++
	seq := state.seq

	if b.config.MaxInFlight > 0 && state.inFlight >= b.config.MaxInFlight {
		b.mu.Unlock()
		b.metrics.AnalysisFinished("busy", 0)
		b.report(from, seq, nil, apperrors.NewAnalysisBusyError(domain.ErrTooManyInFlight))
		return seq
	}
	state.inFlight++
	b.mu.Unlock()

	b.wg.Add(1)
	go b.analyze(context.WithoutCancel(ctx), from, seq, frame)
	return seq
}

// Reject reports reason as the outcome of a frame that was refused before
// analysis. It consumes a sequence number like Submit does.
func (b *AnalysisBridge) Reject(from domain.ConnectionID, reason error) uint64 {
	b.mu.Lock()
	if !b.registry.IsLive(from) {
		b.mu.Unlock()
		return 0
	}
	state, exists := b.conns[from]
	if !exists {
		state = &analysisState{}
		b.conns[from] = state
	}
	state.seq++
	seq := state.seq
	b.mu.Unlock()

	b.metrics.AnalysisFinished(analysisOutcome(reason), 0)
	b.report(from, seq, nil, reason)
	return seq
}

func (b *AnalysisBridge) analyze(ctx context.Context, from domain.ConnectionID, seq uint64, frame []byte) {
	defer b.wg.Done()
	defer b.release(from)

	ctx, cancel := context.WithTimeout(ctx, b.config.Timeout)
	defer cancel()

	b.metrics.AnalysisStarted()
	start := time.Now()

	result, err := b.analyzer.Analyze(ctx, frame)
	if err == nil && result == nil {
		err = apperrors.NewBadGatewayError("analysis service returned no result", nil)
	}
	err = classifyAnalysisError(err)

	b.metrics.AnalysisFinished(analysisOutcome(err), time.Since(start))
	b.report(from, seq, result, err)
}

func (b *AnalysisBridge) release(from domain.ConnectionID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if state, exists := b.conns[from]; exists && state.inFlight > 0 {
		state.inFlight--
	}
}

func (b *AnalysisBridge) report(to domain.ConnectionID, seq uint64, result *domain.AnalysisResult, err error) {
	var event domain.Event
	if err != nil {
		b.logger.Warnw("frame analysis failed",
			"connection_id", to,
			"seq", seq,
			"error", err,
		)
		var buildErr error
		event, buildErr = domain.NewEvent(domain.EventAnalysisError, domain.AnalysisErrorPayload{
			Message: apperrors.PublicMessage(err),
		})
		if buildErr != nil {
			b.logger.Errorw("failed to build analysis error event", "error", buildErr)
			return
		}
	} else {
		event = domain.Event{Kind: domain.EventAnalysis, Data: result.Raw}
	}
	event.Seq = seq

	if deliverErr := b.sink.Deliver(to, event); deliverErr != nil {
		if errors.Is(deliverErr, domain.ErrSendQueueFull) {
			b.metrics.EventDropped("queue_full")
		}
		b.logger.Debugw("analysis outcome discarded",
			"connection_id", to,
			"seq", seq,
			"event", event.Kind,
			"error", deliverErr,
		)
	}
}

// Forget drops the per-connection counters. Calls still in flight finish and
// their outcomes are discarded by the sink.
func (b *AnalysisBridge) Forget(conn domain.ConnectionID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.conns, conn)
}

// InFlight returns the number of outstanding calls for conn.
func (b *AnalysisBridge) InFlight(conn domain.ConnectionID) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if state, exists := b.conns[conn]; exists {
		return state.inFlight
	}
	return 0
}

// Wait blocks until every started call has reported or ctx is done.
func (b *AnalysisBridge) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func classifyAnalysisError(err error) error {
	if err == nil || apperrors.GetAppError(err) != nil {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apperrors.NewAnalysisTimeoutError(err)
	}
	return apperrors.NewAnalysisUnavailableError(err)
}

func analysisOutcome(err error) string {
	appErr := apperrors.GetAppError(err)
	switch {
	case err == nil:
		return "success"
	case appErr == nil:
		return "error"
	}

	switch appErr.Code {
	case apperrors.ErrCodeAnalysisTimeout:
		return "timeout"
	case apperrors.ErrCodeAnalysisUnavailable:
		return "unavailable"
	case apperrors.ErrCodeBadGateway:
		return "bad_gateway"
	case apperrors.ErrCodeAnalysisRejected:
		return "rejected"
	case apperrors.ErrCodeAnalysisBusy:
		return "busy"
	case apperrors.ErrCodeRateLimit:
		return "rate_limited"
	default:
		return "error"
	}
}
