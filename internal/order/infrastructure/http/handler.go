package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/ravikishore-m/orderflow/internal/order/domain"
	"github.com/ravikishore-m/orderflow/pkg/metrics"
)

// OrderService is the coordinator surface the handler needs.
type OrderService interface {
	Submit(ctx context.Context, req domain.OrderRequest) (domain.OrderResult, error)
	GetOrder(ctx context.Context, orderID string) (domain.Order, error)
	FlagReconciliation(ctx context.Context, orderID string) error
}

type Handler struct {
	log     *slog.Logger
	service OrderService
	tracer  trace.Tracer
}

func NewHandler(log *slog.Logger, service OrderService) *Handler {
	return &Handler{
		log:     log,
		service: service,
		tracer:  otel.Tracer("order-http"),
	}
}

func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(requestDuration)

	r.Get("/healthz", h.healthz)
	r.Get("/livez", h.livez)
	r.Handle("/metrics", promhttp.Handler())

	r.Post("/orders", h.submitOrder)
	r.Get("/orders/{id}", h.getOrder)
	r.Post("/orders/{id}/reconcile", h.flagReconciliation)

	return r
}

func requestDuration(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = r.URL.Path
		}
		metrics.RequestDuration.
			WithLabelValues(r.Method, route, strconv.Itoa(ww.Status())).
			Observe(time.Since(start).Seconds())
	})
}

func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "order-service"})
}

func (h *Handler) livez(w http.ResponseWriter, r *http.Request) {
	_, _ = w.Write([]byte("alive"))
}

func (h *Handler) submitOrder(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "SubmitOrder")
	defer span.End()

	var req domain.OrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if key := r.Header.Get("Idempotency-Key"); key != "" {
		req.IdempotencyKey = key
	}

	result, err := h.service.Submit(ctx, req)
	switch {
	case errors.Is(err, domain.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, domain.ErrIdempotencyConflict):
		writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		h.log.Error("submit order failed", "err", err)
		writeError(w, http.StatusInternalServerError, "order submission failed")
		return
	}

	// A Failed order is a completed saga with a negative outcome, not a
	// transport error.
	status := http.StatusOK
	if !result.Status.Terminal() {
		status = http.StatusAccepted
	}
	writeJSON(w, status, result)
}

func (h *Handler) getOrder(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	order, err := h.service.GetOrder(r.Context(), id)
	if errors.Is(err, domain.ErrOrderNotFound) {
		writeError(w, http.StatusNotFound, "order not found")
		return
	}
	if err != nil {
		h.log.Error("get order failed", "order_id", id, "err", err)
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, orderResponse{
		OrderID:             order.ID,
		UserID:              order.UserID,
		Items:               order.Items,
		TotalCents:          order.TotalCents,
		Status:              order.Status,
		Reason:              order.FailureReason,
		NeedsReconciliation: order.NeedsReconciliation,
		CreatedAt:           order.CreatedAt,
		UpdatedAt:           order.UpdatedAt,
	})
}

func (h *Handler) flagReconciliation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := h.service.FlagReconciliation(r.Context(), id)
	if errors.Is(err, domain.ErrOrderNotFound) {
		writeError(w, http.StatusNotFound, "order not found")
		return
	}
	if err != nil {
		h.log.Error("flag reconciliation failed", "order_id", id, "err", err)
		writeError(w, http.StatusInternalServerError, "flag failed")
		return
	}
	h.log.Info("order flagged for reconciliation", "order_id", id)
	w.WriteHeader(http.StatusNoContent)
}

type orderResponse struct {
	OrderID             string             `json:"orderId"`
	UserID              string             `json:"userId"`
	Items               []domain.LineItem  `json:"items"`
	TotalCents          int64              `json:"totalCents"`
	Status              domain.OrderStatus `json:"status"`
	Reason              string             `json:"reason,omitempty"`
	NeedsReconciliation bool               `json:"needsReconciliation"`
	CreatedAt           time.Time          `json:"createdAt"`
	UpdatedAt           time.Time          `json:"updatedAt"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
