package engine

import (
	"context"
	"log/slog"
	"runtime/debug"
)

// computeLocal runs one item against the computation capability in an
// isolated worker goroutine and waits for its one-shot result. A failing
// or panicking computation yields an empty value; the slot stays empty
// and is retried next cycle; the dispatcher state is never at risk.
func (e *Engine) computeLocal(ctx context.Context, item string) string {
	out := make(chan string, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error("local computation panicked",
					slog.String("item", item),
					slog.Any("panic", r),
					slog.String("stack", string(debug.Stack())),
				)
				out <- ""
			}
		}()

		value, err := e.comp.ComputeItem(ctx, item)
		if err != nil {
			e.logger.Debug("local computation failed",
				slog.String("item", item),
				slog.String("error", err.Error()),
			)
			out <- ""
			return
		}
		out <- value
	}()

	select {
	case value := <-out:
		if value != "" {
			e.metrics.recordLocal(ctx)
		}
		return value
	case <-ctx.Done():
		// The worker runs to completion on its own; we only stop waiting.
		return ""
	}
}
