package interfaces

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"stockflow/internal/pkg/logger"
	"stockflow/internal/service/order/application"
	"stockflow/internal/service/order/domain"
)

const (
	serviceName  = "order-service"
	maxBodyBytes = 1 << 20
)

// OrderHandler 封装了 order 服务的 HTTP 处理器
type OrderHandler struct {
	service  *application.OrderApplicationService
	hub      *AuditHub
	gatherer prometheus.Gatherer
	tracer   trace.Tracer
}

// NewOrderHandler 创建一个新的 HTTP 处理器实例。hub 为 nil 时不注册 /ws/audit。
func NewOrderHandler(service *application.OrderApplicationService, hub *AuditHub, gatherer prometheus.Gatherer) *OrderHandler {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &OrderHandler{
		service:  service,
		hub:      hub,
		gatherer: gatherer,
		tracer:   otel.Tracer(serviceName),
	}
}

// RegisterRoutes 在 ServeMux 上注册所有路由
func (h *OrderHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.Handle("GET /metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
	if h.hub != nil {
		mux.HandleFunc("GET /ws/audit", h.hub.ServeWS)
	}

	mux.Handle("POST /api/orders", h.wrap("SubmitOrder", h.submitOrder))
	mux.Handle("POST /api/orders/{id}/payment", h.wrap("Pay", h.pay))
	mux.Handle("POST /api/orders/{id}/fulfillment", h.wrap("Fulfill", h.fulfill))
	mux.Handle("POST /api/catalog/reset", h.wrap("ResetCatalog", h.resetCatalog))
	mux.Handle("GET /api/stock", h.wrap("ListStock", h.listStock))
	mux.Handle("GET /api/orders", h.wrap("ListOrders", h.listOrders))
	mux.Handle("GET /api/orders/{id}", h.wrap("GetOrder", h.getOrder))
	mux.Handle("GET /api/audit", h.wrap("ListAudit", h.listAudit))
}

type apiHandler func(ctx context.Context, r *http.Request) (status int, message string, data any, err error)

// wrap 负责 trace 上下文提取、请求日志、panic 恢复以及统一的响应格式
func (h *OrderHandler) wrap(op string, fn apiHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := h.tracer.Start(ctx, "http."+op, trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()
		span.SetAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.route", r.Pattern),
		)

		reqLogger := logger.Ctx(ctx).With().Str("method", r.Method).Str("path", r.URL.Path).Logger()
		ctx = logger.WithContext(ctx, reqLogger)

		defer func() {
			if p := recover(); p != nil {
				logger.Ctx(ctx).Error().Interface("panic", p).Msg("handler panicked")
				span.SetStatus(codes.Error, "panic")
				writeError(w, domain.Internal(nil, "internal error"))
			}
		}()

		status, message, data, err := fn(ctx, r)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, string(domain.KindOf(err)))
			writeError(w, err)
			return
		}
		writeJSON(w, status, apiResponse{Success: true, Message: message, Data: data})
	})
}

func (h *OrderHandler) submitOrder(ctx context.Context, r *http.Request) (int, string, any, error) {
	var req application.CreateOrderRequest
	if err := decodeBody(r, &req); err != nil {
		return 0, "", nil, err
	}
	order, err := h.service.SubmitOrder(ctx, &req)
	if err != nil {
		return 0, "", nil, err
	}
	return http.StatusCreated, "Order created and stock reserved", order, nil
}

func (h *OrderHandler) pay(ctx context.Context, r *http.Request) (int, string, any, error) {
	var req application.OutcomeRequest
	if err := decodeBody(r, &req); err != nil {
		return 0, "", nil, err
	}
	order, err := h.service.Pay(ctx, r.PathValue("id"), req.Outcome)
	if err != nil {
		return 0, "", nil, err
	}
	msg := "Payment confirmed"
	if order.Status == domain.StatusCancelled {
		msg = "Order cancelled and stock released"
	}
	return http.StatusOK, msg, order, nil
}

func (h *OrderHandler) fulfill(ctx context.Context, r *http.Request) (int, string, any, error) {
	var req application.OutcomeRequest
	if err := decodeBody(r, &req); err != nil {
		return 0, "", nil, err
	}
	order, err := h.service.Fulfill(ctx, r.PathValue("id"), req.Outcome)
	if err != nil {
		return 0, "", nil, err
	}
	return http.StatusOK, "Fulfillment recorded", order, nil
}

func (h *OrderHandler) resetCatalog(ctx context.Context, r *http.Request) (int, string, any, error) {
	var req application.ResetCatalogRequest
	if err := decodeBody(r, &req); err != nil && !errors.Is(err, io.EOF) {
		return 0, "", nil, err
	}
	stocks, err := h.service.ResetCatalog(ctx, req.Products)
	if err != nil {
		return 0, "", nil, err
	}
	return http.StatusOK, "Catalog reset", stocks, nil
}

func (h *OrderHandler) listStock(ctx context.Context, _ *http.Request) (int, string, any, error) {
	stocks, err := h.service.ListStock(ctx)
	if err != nil {
		return 0, "", nil, err
	}
	return http.StatusOK, "OK", stocks, nil
}

func (h *OrderHandler) listOrders(ctx context.Context, _ *http.Request) (int, string, any, error) {
	return http.StatusOK, "OK", h.service.ListOrders(ctx), nil
}

func (h *OrderHandler) getOrder(ctx context.Context, r *http.Request) (int, string, any, error) {
	order, err := h.service.GetOrder(ctx, r.PathValue("id"))
	if err != nil {
		return 0, "", nil, err
	}
	return http.StatusOK, "OK", order, nil
}

func (h *OrderHandler) listAudit(ctx context.Context, r *http.Request) (int, string, any, error) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return 0, "", nil, domain.InvalidArgument("limit must be an integer, got %q", raw)
		}
		limit = n
	}
	events, err := h.service.ListAudit(ctx, limit)
	if err != nil {
		return 0, "", nil, err
	}
	return http.StatusOK, "OK", events, nil
}

type apiResponse struct {
	Success bool      `json:"success"`
	Message string    `json:"message"`
	Data    any       `json:"data,omitempty"`
	Error   *apiError `json:"error,omitempty"`
}

type apiError struct {
	Kind           domain.Kind `json:"kind"`
	AvailableStock *int        `json:"availableStock,omitempty"`
}

// decodeBody 空 body 返回 io.EOF, 格式错误返回 InvalidArgument
func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return io.EOF
		}
		return domain.InvalidArgument("malformed request body: %v", err)
	}
	return nil
}

func statusFor(kind domain.Kind) int {
	switch kind {
	case domain.KindInvalidArgument:
		return http.StatusBadRequest
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindInsufficientStock, domain.KindInvalidState:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	if errors.Is(err, io.EOF) {
		err = domain.InvalidArgument("request body is required")
	}
	kind := domain.KindOf(err)
	body := apiResponse{Message: err.Error(), Error: &apiError{Kind: kind}}
	if kind == domain.KindInternal {
		// 不向客户端暴露底层错误
		body.Message = "internal error"
	}
	var de *domain.Error
	if kind == domain.KindInsufficientStock && errors.As(err, &de) {
		available := de.Available
		body.Error.AvailableStock = &available
	}
	writeJSON(w, statusFor(kind), body)
}

func writeJSON(w http.ResponseWriter, status int, body apiResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
