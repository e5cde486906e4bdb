// Command tokenshield-demo wires a TokenShield Engine in front of a
// fake model provider and exposes it over HTTP, exercising
// WrapGenerate/WrapStream end to end. It is not a dashboard or a real
// provider integration — just enough surface to drive the middleware
// contract, grounded in Sergey-Bar-Alfred's services/gateway/main.go
// entry point (config → logger → registry → router → server →
// graceful shutdown on SIGINT/SIGTERM).
package main

import (
	"context"
	"encoding/json"
	"io"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/christireid/Token-shield-sub001/anomaly"
	"github.com/christireid/Token-shield-sub001/config"
	"github.com/christireid/Token-shield-sub001/eventbus"
	"github.com/christireid/Token-shield-sub001/logger"
	"github.com/christireid/Token-shield-sub001/persistence"
	"github.com/christireid/Token-shield-sub001/pricing"
	"github.com/christireid/Token-shield-sub001/shield"
	"github.com/christireid/Token-shield-sub001/tokencount"
)

func main() {
	cfg, err := config.Load(os.Getenv("TOKENSHIELD_CONFIG"))
	if err != nil {
		panic(err)
	}

	log := logger.New(cfg.Env)
	log.Info().Str("env", cfg.Env).Msg("tokenshield demo starting")

	store := persistence.NewMemoryStore()

	engine := shield.New(*cfg, shield.Hooks{
		OnUsage: func(u shield.UsageReport) {
			log.Info().Int("inputTokens", u.InputTokens).Int("outputTokens", u.OutputTokens).
				Float64("cost", u.Cost).Float64("saved", u.Saved).Msg("usage")
		},
		OnAnomalyDetected: func(r anomaly.Result) {
			log.Warn().Str("kind", string(r.Kind)).Str("severity", string(r.Severity)).Float64("zScore", r.ZScore).Msg("anomaly detected")
		},
	}, log, store)
	defer engine.Dispose()

	engine.Events().On(eventbus.StorageError, func(payload any) {
		if p, ok := payload.(shield.StorageErrorPayload); ok {
			log.Error().Str("module", p.Module).Str("op", p.Operation).Err(p.Err).Msg("storage error")
		}
	})

	registerDemoPricing(engine)

	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{AllowedOrigins: []string{"*"}, AllowedMethods: []string{"GET", "POST"}}))
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(requestLogger(log))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Post("/v1/chat/completions", handleChat(engine, log))

	srv := &http.Server{
		Addr:         addr(),
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("tokenshield demo listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-done
	log.Info().Msg("shutdown signal received")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	} else {
		log.Info().Msg("tokenshield demo stopped gracefully")
	}
}

func addr() string {
	if a := os.Getenv("TOKENSHIELD_DEMO_ADDR"); a != "" {
		return a
	}
	return ":8089"
}

// registerDemoPricing registers just enough of a model tier ladder for
// the Model Router to have something to downgrade to, and for the
// ledger/breaker/budget stages to compute real dollar figures.
func registerDemoPricing(e *shield.Engine) {
	e.Pricing().Register(pricing.ModelPrice{Provider: "demo", Model: "demo-large", InputPer1M: 5, OutputPer1M: 15, CachedInputPer1M: 2.5, Tier: 3})
	e.Pricing().Register(pricing.ModelPrice{Provider: "demo", Model: "demo-small", InputPer1M: 0.5, OutputPer1M: 1.5, CachedInputPer1M: 0.25, Tier: 1})
}

type chatRequest struct {
	Model    string                    `json:"model"`
	UserID   string                    `json:"userId"`
	Feature  string                    `json:"feature"`
	Messages []tokencount.ChatMessage  `json:"messages"`
	Stream   bool                      `json:"stream"`
}

func handleChat(e *shield.Engine, log zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if req.Model == "" {
			req.Model = "demo-large"
		}

		params := shield.Params{
			ModelID:              req.Model,
			UserID:               req.UserID,
			Feature:              req.Feature,
			Messages:             req.Messages,
			ExpectedOutputTokens: 256,
		}

		if req.Stream {
			streamChat(w, r, e, params)
			return
		}

		result, err := e.WrapGenerate(r.Context(), params, fakeGenerate)
		if err != nil {
			writeError(w, http.StatusTooManyRequests, err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"text":         result.Text,
			"inputTokens":  result.InputTokens,
			"outputTokens": result.OutputTokens,
			"finishReason": result.FinishReason,
		})
	}
}

func streamChat(w http.ResponseWriter, r *http.Request, e *shield.Engine, params shield.Params) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, io.ErrClosedPipe)
		return
	}

	stream, err := e.WrapStream(r.Context(), params, fakeStream)
	if err != nil {
		writeError(w, http.StatusTooManyRequests, err)
		return
	}
	defer stream.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)

	for {
		chunk, err := stream.Next(r.Context())
		if err != nil {
			return
		}
		_, _ = w.Write([]byte("data: " + chunk.TextDelta + "\n\n"))
		flusher.Flush()
		if chunk.Done {
			return
		}
	}
}

// fakeGenerate stands in for a real provider SDK call — it echoes a
// canned reply so the demo can exercise the full pipeline without
// network access or an API key.
func fakeGenerate(ctx context.Context, modelID string, messages []tokencount.ChatMessage) (shield.GenerateResult, error) {
	reply := canned(messages)
	counter := tokencount.New()
	return shield.GenerateResult{
		Text:         reply,
		InputTokens:  counter.CountMessages(messages),
		OutputTokens: counter.CountText(reply),
		FinishReason: "stop",
	}, nil
}

func fakeStream(ctx context.Context, modelID string, messages []tokencount.ChatMessage) (shield.Stream, error) {
	words := strings.Fields(canned(messages))
	return &fakeStreamImpl{words: words}, nil
}

type fakeStreamImpl struct {
	words []string
	i     int
}

func (f *fakeStreamImpl) Next(ctx context.Context) (shield.StreamChunk, error) {
	if f.i >= len(f.words) {
		return shield.StreamChunk{}, io.EOF
	}
	time.Sleep(10 * time.Millisecond)
	w := f.words[f.i] + " "
	f.i++
	return shield.StreamChunk{TextDelta: w, Done: f.i == len(f.words)}, nil
}

func (f *fakeStreamImpl) Close() error { return nil }

var cannedReplies = []string{
	"This is a demo reply standing in for a real provider response.",
	"TokenShield routed, cached, and accounted for this request before it ever reached a model.",
	"Ask the same question again to see the Response Cache short-circuit the second call.",
}

func canned(messages []tokencount.ChatMessage) string {
	if len(messages) == 0 {
		return cannedReplies[0]
	}
	return cannedReplies[rand.Intn(len(cannedReplies))]
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

func requestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			log.Debug().Str("method", r.Method).Str("path", r.URL.Path).Dur("duration", time.Since(start)).Msg("request")
		})
	}
}
