package services

import (
	"time"

	"framerelay/internal/core/domain"
)

// NopMetrics discards all measurements.
type NopMetrics struct{}

func (NopMetrics) ConnectionOpened() {}
func (NopMetrics) ConnectionClosed() {}
func (NopMetrics) RoomOpened() {}
func (NopMetrics) RoomClosed() {}
func (NopMetrics) MessageRelayed(domain.EventKind, int) {}
func (NopMetrics) EventDropped(string) {}
func (NopMetrics) AnalysisStarted() {}
func (NopMetrics) AnalysisFinished(string, time.Duration) {}
