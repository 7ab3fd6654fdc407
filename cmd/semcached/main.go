/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L4
Logic:       Demo binary wiring config, the payload store, the
             similarity index, and a memory instance into a small
             chi-routed HTTP surface: chat passthrough (streaming and
             non-streaming), cache admin endpoints, and /metrics.
Root Cause:  memory.Memory is a library; something has to construct
             its collaborators from real configuration and expose it
             over HTTP to be useful standalone.
Context:     SEMCACHE_VARIANT selects between the prompt-similarity
             and intent-similarity cache at startup.
Suitability: L4 for the component wiring everything together.
──────────────────────────────────────────────────────────────
*/

package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/conduitcache/semcache/config"
	"github.com/conduitcache/semcache/intent"
	"github.com/conduitcache/semcache/llmprovider"
	"github.com/conduitcache/semcache/logger"
	"github.com/conduitcache/semcache/memory"
	"github.com/conduitcache/semcache/metering"
	"github.com/conduitcache/semcache/middleware"
	"github.com/conduitcache/semcache/observability"
	"github.com/conduitcache/semcache/payloadstore"
	"github.com/conduitcache/semcache/vectorindex"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// intentLLM adapts llmprovider.HTTPProvider's chat completion call to
// the single-string-in/single-string-out shape intent.Extractor needs.
type intentLLM struct {
	provider *llmprovider.HTTPProvider
}

func (a intentLLM) Complete(ctx context.Context, model, prompt string, temperature float64) (string, error) {
	temp := temperature
	call := llmprovider.Call{
		Model:       model,
		Temperature: &temp,
		Messages:    []llmprovider.Message{{Role: "user", Content: prompt}},
	}
	raw, err := a.provider.DoGenerate(call)(ctx)
	if err != nil {
		return "", err
	}
	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", err
	}
	if len(parsed.Choices) == 0 {
		return "", errors.New("intentLLM: no choices in provider response")
	}
	return parsed.Choices[0].Message.Content, nil
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("config load: " + err.Error() + "\n")
		os.Exit(1)
	}
	log := logger.New(cfg)

	if os.Getenv("SEMCACHE_TRACING_DISABLED") != "true" {
		shutdownTracing, err := observability.InitTracing(context.Background(), "semcache", os.Getenv("SEMCACHE_TRACING_PRETTY") == "true")
		if err != nil {
			log.Warn().Err(err).Msg("tracing disabled: init failed")
		} else {
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), cfg.GracefulTimeout)
				defer cancel()
				if err := shutdownTracing(ctx); err != nil {
					log.Warn().Err(err).Msg("tracing shutdown did not complete cleanly")
				}
			}()
		}
	}

	variant := os.Getenv("SEMCACHE_VARIANT")
	requireIntent := variant == "intent"
	if err := config.Validate(cfg, requireIntent); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	store, err := payloadstore.New(cfg.RedisURL, cfg.RedisToken)
	if err != nil {
		log.Fatal().Err(err).Msg("connect payload store")
	}

	providerBaseURL := os.Getenv("SEMCACHE_PROVIDER_BASE_URL")
	providerAPIKey := os.Getenv("SEMCACHE_PROVIDER_API_KEY")
	provider := llmprovider.NewHTTPProvider(providerBaseURL, providerAPIKey)

	idx, err := vectorindex.New(cfg.VectorURL, cfg.VectorToken, cfg.Model, provider, 2048)
	if err != nil {
		log.Fatal().Err(err).Msg("construct similarity index client")
	}

	counter, err := metering.NewCounter(cfg.Model)
	if err != nil {
		log.Fatal().Err(err).Msg("construct token counter")
	}
	ledger := metering.NewLedger()

	deps := memory.Deps{
		Index:   idx,
		Store:   store,
		Logger:  log,
		Ledger:  ledger,
		Counter: counter,
	}

	var mem *memory.Memory
	if requireIntent {
		deps.Extractor = &intent.Extractor{
			LLM:        intentLLM{provider: provider},
			Model:      cfg.IntentExtractor.Model,
			WindowSize: cfg.IntentExtractor.WindowSize,
			Prompt:     cfg.IntentExtractor.Prompt,
		}
		mem, err = memory.NewIntent(*cfg, deps)
	} else {
		mem, err = memory.New(*cfg, deps)
	}
	if err != nil {
		log.Fatal().Err(err).Msg("construct memory")
	}
	mem = mem.WithHook(func(ev observability.Event) {
		log.Debug().Str("step", string(ev.Step)).Str("requestId", ev.RequestID).Msg("cache step")
	})

	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(middleware.RequestIDMiddleware)
	r.Use(middleware.CORSMiddleware(corsOrigins()))
	r.Use(middleware.SecurityHeadersMiddleware)
	r.Use(middleware.NewHeaderNormalization(log).Handler)
	r.Use(middleware.NewTimeoutMiddleware(log, cfg.RequestTimeout).Handler)

	chatHandler := &chatHandler{memory: mem, provider: provider}
	r.Post("/v1/chat/completions", chatHandler.ServeHTTP)

	admin := &adminHandler{store: store, index: idx, ledger: ledger, namespace: namespaceFor(requireIntent)}
	r.Get("/v1/admin/stats", admin.Stats)
	r.Delete("/v1/admin/cache/{id}", admin.Invalidate)

	r.Handle("/metrics", promhttp.HandlerFor(observability.Registry(), promhttp.HandlerOpts{}))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

	srv := &http.Server{
		Addr:    cfg.Addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr).Str("variant", namespaceFor(requireIntent)).Msg("semcached listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), cfg.GracefulTimeout)
	defer cancel()
	log.Info().Msg("shutting down")
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("graceful shutdown did not complete cleanly")
	}
}

func namespaceFor(intentVariant bool) string {
	if intentVariant {
		return "intent"
	}
	return "llm"
}

func corsOrigins() []string {
	v := os.Getenv("SEMCACHE_CORS_ORIGINS")
	if v == "" {
		return []string{"*"}
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

