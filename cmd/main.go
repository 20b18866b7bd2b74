package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"whatsapp-concierge/handler"
	"whatsapp-concierge/internal/integrations/knowledge"
	"whatsapp-concierge/internal/integrations/openai"
	"whatsapp-concierge/internal/integrations/paramstore"
	"whatsapp-concierge/internal/integrations/zapi"
	"whatsapp-concierge/internal/repository"
	"whatsapp-concierge/internal/session"
	"whatsapp-concierge/internal/telemetry"
	"whatsapp-concierge/internal/usecase"
)

const shutdownTimeout = 10 * time.Second

func main() {
	ctx := context.Background()

	// ---- Configuration (read only here) ----
	paramPrefix := mustEnv("PARAM_PREFIX")
	zapiInstance := mustEnv("ZAPI_INSTANCE")
	zapiBaseURL := os.Getenv("ZAPI_BASE_URL")
	sessionTable := os.Getenv("SESSION_TABLE")
	routerCfg := usecase.Config{
		ParamPrefix:     paramPrefix,
		OperatorIDs:     envList("OPERATOR_IDS"),
		ResetToken:      os.Getenv("RESET_TOKEN"),
		HandoffDuration: envDuration("HANDOFF_DURATION", usecase.DefaultHandoffDuration),
	}
	ratePerMinute := envInt("RATE_LIMIT_PER_MINUTE", 20)
	rateBurst := envInt("RATE_LIMIT_BURST", 5)
	knowledgeTTL := envDuration("KNOWLEDGE_TTL", 5*time.Minute)
	port := envInt("PORT", 3000)

	shutdownTracing, err := telemetry.Setup(ctx, telemetry.Config{
		Endpoint:    os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		ServiceName: "whatsapp-concierge",
	})
	if err != nil {
		slog.Error("failed to set up tracing", "err", err)
		os.Exit(1)
	}

	// ---- AWS SDK config ----
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		slog.Error("failed to load AWS config", "err", err)
		os.Exit(1)
	}

	// ---- Clients ----
	ssmClient, err := paramstore.New(awsssm.NewFromConfig(cfg))
	if err != nil {
		slog.Error("failed to create SSM client", "err", err)
		os.Exit(1)
	}

	openaiClient, err := openai.NewClient(ssmClient, paramPrefix)
	if err != nil {
		slog.Error("failed to create OpenAI client", "err", err)
		os.Exit(1)
	}

	var zapiOpts []zapi.Option
	if zapiBaseURL != "" {
		zapiOpts = append(zapiOpts, zapi.WithBaseURL(zapiBaseURL))
	}
	zapiClient, err := zapi.NewClient(ssmClient, paramPrefix, zapiInstance, zapiOpts...)
	if err != nil {
		slog.Error("failed to create Z-API client", "err", err)
		os.Exit(1)
	}

	kb, err := knowledge.New(ssmClient, paramPrefix, knowledgeTTL)
	if err != nil {
		slog.Error("failed to create knowledge source", "err", err)
		os.Exit(1)
	}

	var sessions usecase.SessionStore
	if sessionTable != "" {
		sessions, err = repository.New(awsdynamodb.NewFromConfig(cfg), sessionTable)
		if err != nil {
			slog.Error("failed to create session repository", "err", err)
			os.Exit(1)
		}
	} else {
		slog.Warn("SESSION_TABLE not set, handoff state is kept in memory")
		sessions = session.NewMemoryStore()
	}

	// ---- Handler ----
	router, err := usecase.NewRouter(ssmClient, openaiClient, kb, sessions, zapiClient, routerCfg,
		usecase.WithSenderLimiter(usecase.NewSenderLimiter(ratePerMinute, rateBurst)))
	if err != nil {
		slog.Error("failed to create router", "err", err)
		os.Exit(1)
	}

	h, err := handler.NewHandler(router)
	if err != nil {
		slog.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	flush := func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			slog.Warn("tracing shutdown failed", "err", err)
		}
	}

	if os.Getenv("AWS_LAMBDA_RUNTIME_API") != "" {
		lambda.StartWithOptions(h.Handle, lambda.WithEnableSIGTERM(flush))
		return
	}

	if err := serve(port, h.HTTP()); err != nil {
		slog.Error("http server failed", "err", err)
		flush()
		os.Exit(1)
	}
	flush()
}

func serve(port int, mux http.Handler) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("listening", "port", port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(sctx)
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		slog.Error("required environment variable is not set", "key", key)
		os.Exit(1)
	}
	return v
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		slog.Warn("ignoring invalid duration", "key", key, "value", v)
		return def
	}
	return d
}

func envList(key string) []string {
	var out []string
	for _, s := range strings.Split(os.Getenv(key), ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
