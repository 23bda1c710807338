package runtime

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/l0p7/tollgate/internal/runtime/pipeline"
)

type instrumentedAgent struct {
	inner  pipeline.Agent
	logger *slog.Logger
}

func (a *instrumentedAgent) Name() string { return a.inner.Name() }

func (a *instrumentedAgent) Execute(ctx context.Context, r *http.Request, state *pipeline.State) pipeline.Result {
	start := time.Now()
	result := a.inner.Execute(ctx, r, state)
	duration := time.Since(start)

	attrs := []slog.Attr{
		slog.String("status", result.Status),
		slog.Float64("latencyMs", float64(duration)/float64(time.Millisecond)),
	}
	if state != nil && state.CorrelationID != "" {
		attrs = append(attrs, slog.String("correlationId", state.CorrelationID))
	}
	if result.Details != "" {
		attrs = append(attrs, slog.String("details", result.Details))
	}
	if len(result.Meta) > 0 {
		attrs = append(attrs, slog.Any("meta", result.Meta))
	}

	a.logger.LogAttrs(ctx, slog.LevelDebug, "agent executed", attrs...)
	return result
}

func (g *Gateway) instrument(agents ...pipeline.Agent) []pipeline.Agent {
	wrapped := make([]pipeline.Agent, 0, len(agents))
	for _, ag := range agents {
		if ag == nil {
			continue
		}
		wrapped = append(wrapped, g.instrumentOne(ag))
	}
	return wrapped
}

func (g *Gateway) instrumentOne(ag pipeline.Agent) pipeline.Agent {
	if ag == nil {
		return nil
	}
	if _, ok := ag.(*instrumentedAgent); ok {
		return ag
	}
	return &instrumentedAgent{
		inner:  ag,
		logger: g.logger.With(slog.String("agent", ag.Name())),
	}
}
