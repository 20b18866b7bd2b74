package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"whatsapp-concierge/internal/domain"
	"whatsapp-concierge/internal/usecase"
)

const (
	correlationHeader = "X-Correlation-Id"
	maxBodyBytes      = 1 << 20
)

// Router is the routing entrypoint the handler drives.
type Router interface {
	HandleInbound(ctx context.Context, raw []byte) (usecase.Result, error)
}

type Handler struct {
	router Router
}

type webhookResponse struct {
	Status string `json:"status"`
	Action string `json:"action,omitempty"`
	Reason string `json:"reason,omitempty"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

func NewHandler(r Router) (*Handler, error) {
	if r == nil {
		return nil, errors.New("handler: router must not be nil")
	}
	return &Handler{router: r}, nil
}

// Handle acknowledges every accepted webhook with 200, including ignored
// messages and upstream failures, so the gateway does not redeliver them.
// Only internal faults map to 500.
func (h *Handler) Handle(ctx context.Context, event events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	correlationID := headerValue(event.Headers, correlationHeader)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	logger := slog.With("correlation_id", correlationID)

	body := []byte(event.Body)
	if event.IsBase64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(event.Body)
		if err != nil {
			logger.Info("undecodable webhook body", "err", err)
			return jsonResponse(http.StatusOK, correlationID, webhookResponse{
				Status: "ignored",
				Action: string(domain.ActionIgnore),
				Reason: "invalid",
			}), nil
		}
		body = decoded
	}

	ctx = otel.GetTextMapPropagator().Extract(ctx, traceCarrier(event.Headers))
	res, err := h.router.HandleInbound(ctx, body)
	if err != nil {
		var uerr *usecase.Error
		errors.As(err, &uerr)
		if usecase.IsUpstream(err) {
			logger.Warn("webhook accepted with upstream failure", "reason", uerr.Reason, "err", err)
			return jsonResponse(http.StatusOK, correlationID, webhookResponse{
				Status: "accepted",
				Action: string(res.Decision.Action),
				Reason: uerr.Reason,
			}), nil
		}
		reason := "unexpected_error"
		if uerr != nil {
			reason = uerr.Reason
		}
		logger.Error("webhook failed", "reason", reason, "err", err)
		return jsonResponse(http.StatusInternalServerError, correlationID, errorResponse{
			Error:  string(usecase.ErrorInternal),
			Reason: reason,
		}), nil
	}

	status := "processed"
	if res.Decision.Action == domain.ActionIgnore {
		status = "ignored"
	}
	logger.Info("webhook processed", "action", res.Decision.Action, "reason", res.Decision.Reason, "delivered", res.Delivered)
	return jsonResponse(http.StatusOK, correlationID, webhookResponse{
		Status: status,
		Action: string(res.Decision.Action),
		Reason: res.Decision.Reason,
	}), nil
}

// HTTP serves the handler outside Lambda: POST /webhook routes a payload and
// GET / answers a plain health text.
func (h *Handler) HTTP() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = io.WriteString(w, "whatsapp-concierge is running\n")
	})
	mux.HandleFunc("POST /webhook", h.serveWebhook)
	return mux
}

func (h *Handler) serveWebhook(w http.ResponseWriter, req *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, req.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		status := http.StatusBadRequest
		if errors.As(err, &tooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		writeJSON(w, status, errorResponse{Error: string(usecase.ErrorInvalidInput), Reason: "unreadable_body"})
		return
	}

	headers := make(map[string]string, len(req.Header))
	for k := range req.Header {
		headers[k] = req.Header.Get(k)
	}
	resp, _ := h.Handle(req.Context(), events.APIGatewayProxyRequest{
		HTTPMethod: req.Method,
		Path:       req.URL.Path,
		Headers:    headers,
		Body:       string(body),
	})
	w.Header().Set("Content-Type", resp.Headers["Content-Type"])
	w.Header().Set(correlationHeader, resp.Headers[correlationHeader])
	w.WriteHeader(resp.StatusCode)
	_, _ = io.WriteString(w, resp.Body)
}

// traceCarrier lowercases header names; API Gateway passes them through as
// the client sent them.
func traceCarrier(headers map[string]string) propagation.MapCarrier {
	c := make(propagation.MapCarrier, len(headers))
	for k, v := range headers {
		c[strings.ToLower(k)] = v
	}
	return c
}

func headerValue(headers map[string]string, name string) string {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func jsonResponse(status int, correlationID string, v any) events.APIGatewayProxyResponse {
	b, err := json.Marshal(v)
	if err != nil {
		status = http.StatusInternalServerError
		b = []byte(`{"error":"INTERNAL_ERROR"}`)
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type":    "application/json",
			correlationHeader: correlationID,
		},
		Body: string(b),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
