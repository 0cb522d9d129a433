package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/54b3r/corpusqa/internal/config"
	"github.com/54b3r/corpusqa/internal/engine"
	"github.com/54b3r/corpusqa/internal/logging"
	"github.com/54b3r/corpusqa/internal/provider"
	"github.com/54b3r/corpusqa/internal/rag"
	"github.com/54b3r/corpusqa/internal/server"
	"github.com/54b3r/corpusqa/internal/tracing"
)

// indexWaitTimeout bounds how long shutdown waits for an in-flight index
// build before closing the store.
const indexWaitTimeout = 10 * time.Second

// NewServeCmd constructs the `corpusqa serve` command, which starts the HTTP
// API immediately and builds the index in the background.
func NewServeCmd() *cobra.Command {
	var host string
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the corpusqa HTTP API",
		Long: `Start the corpusqa HTTP API.

The server starts listening right away. The corpus is fetched, chunked and
indexed in the background; until that finishes POST /api/query answers 503
with Retry-After and GET /api/health reports rag_initialized=false.

Endpoints:
  POST /api/query    {"question": "..."} -> {"response": "..."}
  GET  /api/health   liveness and index status
  GET  /api/ready    dependency readiness (index, LLM, vector store)
  GET  /metrics      Prometheus metrics

Examples:
  corpusqa serve
  corpusqa serve --port 9090
  MODEL_PROVIDER=openai VECTOR_STORE=qdrant corpusqa serve`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			log := logging.New()
			ctx = logging.WithLogger(ctx, log)

			flush := tracing.Install(log)
			defer flush()

			s := config.FromEnv()
			if cmd.Flags().Changed("host") {
				s.ServerHost = host
			}
			if cmd.Flags().Changed("port") {
				s.ServerPort = port
			}

			// Configuration errors fail the command before the server starts.
			chatModel, providerCfg, err := provider.NewFromEnv(ctx)
			if err != nil {
				return fmt.Errorf("serve: failed to initialise model provider: %w", err)
			}
			log.Info("provider initialised",
				slog.String("provider", string(providerCfg.Backend)),
				slog.String("model", providerCfg.ModelName()),
			)

			emb, err := newEmbedder(ctx, log)
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}

			pipeline, err := newPipeline(s, emb, rag.Options{StrictOpen: s.StrictOpen})
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}

			var index indexHolder
			coord := engine.NewCoordinator()

			srv, err := server.New(coord, &server.Config{
				Host:         s.ServerHost,
				Port:         s.ServerPort,
				QueryTimeout: s.QueryTimeout,
				WriteTimeout: s.QueryTimeout + 30*time.Second,
				Logger:       log,
				APIKey:       s.APIKey,
				CORSOrigins:  s.CORSOrigins,
				RateLimit:    s.RateLimit,
				RateBurst:    s.RateBurst,
				Pingers: []server.Pinger{
					server.NewLLMPinger(chatModel, provider.NewHealthCheck(providerCfg), string(providerCfg.Backend)),
					server.NewStorePinger(&index, "vector_store"),
				},
			})
			if err != nil {
				return fmt.Errorf("serve: failed to create server: %w", err)
			}

			coord.Start(ctx, func(ctx context.Context) (engine.Answerer, error) {
				ix, err := pipeline.Run(ctx)
				if err != nil {
					return nil, err
				}
				index.ix.Store(ix)
				srv.SetIndexRecords(ix.Count())
				return newEngine(chatModel, ix, emb, s)
			})

			serveErr := srv.Start(ctx)

			waitCtx, cancel := context.WithTimeout(context.Background(), indexWaitTimeout)
			defer cancel()
			coord.Wait(waitCtx)
			if ix := index.ix.Load(); ix != nil {
				if err := ix.Close(); err != nil {
					log.Warn("serve: failed to close index", slog.Any("error", err))
				}
			}

			return serveErr
		},
	}

	cmd.Flags().StringVar(&host, "host", "0.0.0.0", "Host address to bind to (overrides SERVER_HOST)")
	cmd.Flags().IntVarP(&port, "port", "p", 8000, "TCP port to listen on (overrides SERVER_PORT)")

	return cmd
}

// indexHolder publishes the index built in the background to the readiness
// probe. Before the build finishes the vector store check passes; the
// server's own index check reports the missing index.
type indexHolder struct {
	ix atomic.Pointer[rag.Index]
}

// Ping probes the vector store behind the published index.
func (h *indexHolder) Ping(ctx context.Context) error {
	ix := h.ix.Load()
	if ix == nil {
		return nil
	}
	return ix.Ping(ctx)
}
