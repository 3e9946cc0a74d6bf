package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"tradedesk/internal/batch"
	"tradedesk/internal/broker"
	"tradedesk/internal/domain"
	"tradedesk/internal/engine"
	"tradedesk/internal/ledger"
)

// Server serves the trading HTTP API.
type Server struct {
	engine    *engine.Manager
	batches   *batch.Orchestrator
	broker    broker.Broker
	positions *ledger.Ledger
	prices    engine.PriceSource // nil when no market data configured
	hub       *Hub
	log       *slog.Logger
}

// NewServer creates the API server and wires the websocket hub to the
// engine's update feed. The hub's event loop is started here.
func NewServer(
	eng *engine.Manager,
	batches *batch.Orchestrator,
	b broker.Broker,
	positions *ledger.Ledger,
	prices engine.PriceSource,
	log *slog.Logger,
) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		engine:    eng,
		batches:   batches,
		broker:    b,
		positions: positions,
		prices:    prices,
		hub:       NewHub(log),
		log:       log.With("component", "api"),
	}
	go s.hub.Run()

	eng.Subscribe(func(order domain.Order) {
		s.hub.Broadcast(updateMessage{Type: "order", Data: order})
		if pos, err := s.positions.Snapshot(order.Symbol); err == nil {
			s.hub.Broadcast(updateMessage{Type: "position", Data: pos})
		}
	})
	return s
}

// RegisterRoutes registers all API routes on the given mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/orders", s.handlePlaceOrder)
	mux.HandleFunc("GET /api/orders/{order_id}", s.handleGetOrder)
	mux.HandleFunc("DELETE /api/orders/{order_id}", s.handleCancelOrder)
	mux.HandleFunc("PATCH /api/orders/{order_id}", s.handleModifyOrder)
	mux.HandleFunc("POST /api/orders/batch", s.handleSubmitBatch)
	mux.HandleFunc("GET /api/batches/{batch_id}", s.handleGetBatch)
	mux.HandleFunc("POST /api/batches/{batch_id}/retry", s.handleRetryBatch)
	mux.HandleFunc("POST /api/positions/close-all", s.handleCloseAll)
	mux.HandleFunc("GET /api/positions", s.handleGetPositions)
	mux.HandleFunc("GET /api/account", s.handleGetAccount)
	mux.HandleFunc("GET /api/updates", s.hub.ServeWS)
}

// Handler returns an http.Handler with CORS middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

// classify maps an error from the engine or orchestrator to an HTTP status
// and the uniform error body.
func classify(err error) (int, errorResponse) {
	var verr *domain.ValidationError
	if errors.As(err, &verr) {
		return http.StatusBadRequest, errorResponse{Error: verr.Error(), Kind: "validation"}
	}
	if errors.Is(err, domain.ErrLedgerSealed) {
		return http.StatusServiceUnavailable, errorResponse{Error: err.Error(), Kind: "ledger_sealed"}
	}
	if errors.Is(err, domain.ErrInvalidTransition) {
		return http.StatusConflict, errorResponse{Error: err.Error(), Kind: "invalid_transition"}
	}
	if errors.Is(err, domain.ErrNotFound) {
		return http.StatusNotFound, errorResponse{Error: err.Error(), Kind: "not_found"}
	}
	if be := domain.AsBrokerError(err); be != nil {
		status := http.StatusUnprocessableEntity
		if be.Retryable() {
			status = http.StatusServiceUnavailable
		}
		return status, errorResponse{Error: be.Error(), Kind: string(be.Kind)}
	}
	return http.StatusInternalServerError, errorResponse{Error: err.Error()}
}

func writeError(w http.ResponseWriter, err error) {
	status, body := classify(err)
	writeJSON(w, status, body)
}

// ---- order handlers ----

func (s *Server) handlePlaceOrder(w http.ResponseWriter, r *http.Request) {
	var spec domain.OrderSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed request body", Kind: "validation"})
		return
	}

	order, created, err := s.engine.PlaceOrder(r.Context(), &spec)
	if err != nil {
		status, body := classify(err)
		// A rejected or stranded submission still produced a tracked
		// order; return it so the caller can follow up by ID.
		body.Order = order
		writeJSON(w, status, body)
		return
	}
	if created {
		writeJSON(w, http.StatusCreated, order)
		return
	}
	// Duplicate client_request_id: surface the existing order as success.
	writeJSON(w, http.StatusOK, order)
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := s.engine.GetOrder(r.Context(), r.PathValue("order_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	orderID := r.PathValue("order_id")
	if err := s.engine.Cancel(r.Context(), orderID); err != nil {
		writeError(w, err)
		return
	}
	order, err := s.engine.GetOrder(r.Context(), orderID)
	if err != nil {
		writeError(w, err)
		return
	}
	// Cancellation is a request, not a guarantee; 202 until the broker
	// confirms.
	writeJSON(w, http.StatusAccepted, order)
}

func (s *Server) handleModifyOrder(w http.ResponseWriter, r *http.Request) {
	var req modifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed request body", Kind: "validation"})
		return
	}
	order, err := s.engine.Modify(r.Context(), r.PathValue("order_id"), broker.ReplaceRequest{
		Qty:        req.Qty,
		LimitPrice: req.LimitPrice,
		StopPrice:  req.StopPrice,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

// ---- batch handlers ----

func (s *Server) handleSubmitBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed request body", Kind: "validation"})
		return
	}
	b, err := s.batches.SubmitBatch(r.Context(), req.Orders)
	if err != nil {
		writeError(w, err)
		return
	}
	// Child failures are embedded per-child; the batch call itself
	// succeeds.
	writeJSON(w, http.StatusAccepted, b)
}

func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	b, err := s.batches.Get(r.PathValue("batch_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleRetryBatch(w http.ResponseWriter, r *http.Request) {
	b, err := s.batches.Retry(r.Context(), r.PathValue("batch_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, b)
}

func (s *Server) handleCloseAll(w http.ResponseWriter, r *http.Request) {
	b, err := s.batches.CloseAll(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, b)
}

// ---- position and account handlers ----

func (s *Server) handleGetPositions(w http.ResponseWriter, r *http.Request) {
	snaps := s.positions.Snapshots()
	out := make([]positionJSON, 0, len(snaps))
	for _, pos := range snaps {
		if s.prices != nil {
			// Advisory only; a missing quote just means no mark price.
			if price, err := s.prices.LastPrice(r.Context(), pos.Symbol); err == nil {
				pos.LastPrice = price
			}
		}
		out = append(out, positionJSON{Position: pos, UnrealizedPnL: pos.UnrealizedPnL()})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := s.broker.GetAccount(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}
