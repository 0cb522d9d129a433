package tracing

import (
	"context"
	"log/slog"
	"time"

	"github.com/cloudwego/eino/callbacks"
	"github.com/cloudwego/eino/schema"
)

type startKey struct{}

// NewLogHandler returns a callback handler that logs each component call at
// debug level with its duration, and failures at warn level.
func NewLogHandler(log *slog.Logger) callbacks.Handler {
	attrs := func(info *callbacks.RunInfo) []any {
		if info == nil {
			return nil
		}
		return []any{
			slog.String("component", string(info.Component)),
			slog.String("type", info.Type),
			slog.String("name", info.Name),
		}
	}
	elapsed := func(ctx context.Context) slog.Attr {
		if start, ok := ctx.Value(startKey{}).(time.Time); ok {
			return slog.Duration("duration", time.Since(start))
		}
		return slog.Attr{}
	}

	return callbacks.NewHandlerBuilder().
		OnStartFn(func(ctx context.Context, _ *callbacks.RunInfo, _ callbacks.CallbackInput) context.Context {
			return context.WithValue(ctx, startKey{}, time.Now())
		}).
		OnStartWithStreamInputFn(func(ctx context.Context, _ *callbacks.RunInfo, input *schema.StreamReader[callbacks.CallbackInput]) context.Context {
			input.Close()
			return context.WithValue(ctx, startKey{}, time.Now())
		}).
		OnEndFn(func(ctx context.Context, info *callbacks.RunInfo, _ callbacks.CallbackOutput) context.Context {
			log.Debug("component call", append(attrs(info), elapsed(ctx))...)
			return ctx
		}).
		OnEndWithStreamOutputFn(func(ctx context.Context, info *callbacks.RunInfo, output *schema.StreamReader[callbacks.CallbackOutput]) context.Context {
			output.Close()
			log.Debug("component stream opened", append(attrs(info), elapsed(ctx))...)
			return ctx
		}).
		OnErrorFn(func(ctx context.Context, info *callbacks.RunInfo, err error) context.Context {
			log.Warn("component call failed", append(attrs(info), elapsed(ctx), slog.Any("error", err))...)
			return ctx
		}).
		Build()
}

// Install registers the log handler and, when configured, the Langfuse
// handler as eino global callbacks. The returned function flushes pending
// traces and must be called before exit. Install must be called once, before
// any component runs.
func Install(log *slog.Logger) (flush func()) {
	handlers := []callbacks.Handler{NewLogHandler(log)}
	flush = func() {}

	if cfg, ok := LangfuseFromEnv(); ok {
		h, f := NewLangfuse(cfg)
		handlers = append(handlers, h)
		flush = f
		log.Info("tracing: langfuse enabled", slog.String("host", cfg.Host))
	}

	callbacks.AppendGlobalHandlers(handlers...)
	return flush
}
