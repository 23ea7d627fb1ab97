package extract

import (
	"context"

	"go.uber.org/zap"
)

// Hybrid tries a primary backend and falls back to a secondary one when the
// primary fails or answers with nothing usable. Only caller cancellation is
// returned as-is.
type Hybrid struct {
	primary  Extractor
	fallback Extractor
}

// NewHybrid creates a fallback chain of two extractors.
func NewHybrid(primary, fallback Extractor) *Hybrid {
	return &Hybrid{primary: primary, fallback: fallback}
}

// Name implements Extractor.
func (h *Hybrid) Name() string { return "hybrid" }

// Extract implements Extractor.
func (h *Hybrid) Extract(ctx context.Context, req Request) (*Response, error) {
	resp, err := h.primary.Extract(ctx, req)
	if err == nil && len(resp.Records) > 0 {
		return resp, nil
	}
	if ctx.Err() != nil {
		return nil, err
	}

	fields := []zap.Field{
		zap.String("stage", string(req.Stage)),
		zap.String("primary", h.primary.Name()),
		zap.String("fallback", h.fallback.Name()),
	}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	zap.L().Warn("hybrid: primary extraction unusable, using fallback", fields...)

	fb, fbErr := h.fallback.Extract(ctx, req)
	if fbErr != nil {
		return nil, fbErr
	}
	if resp != nil {
		fb.Usage.Add(resp.Usage)
	}
	return fb, nil
}
