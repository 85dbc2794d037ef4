// Package api provides the HTTP handlers for placing and cancelling
// orders and for querying the book, trades, positions, and wallets.
//
// All monetary values use shopspring/decimal — never float64 for money.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/shopspring/decimal"

	"github.com/predyx/exchange-core/internal/engine"
	"github.com/predyx/exchange-core/internal/metrics"
	"github.com/predyx/exchange-core/internal/model"
	"github.com/predyx/exchange-core/internal/notify"
	"github.com/predyx/exchange-core/internal/store"
)

// Handler owns the HTTP surface over the matching engine.
type Handler struct {
	engine *engine.Engine
	store  store.Store
	wsHub  *notify.WSHub // optional, nil disables the /ws endpoint
}

// NewHandler creates the HTTP handler. Pass nil for hub if WebSocket
// streaming is not needed.
func NewHandler(eng *engine.Engine, st store.Store, hub *notify.WSHub) *Handler {
	return &Handler{engine: eng, store: st, wsHub: hub}
}

// Router builds the chi router with all routes mounted.
func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", h.Health)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/orders", h.PlaceOrder)
		r.Get("/orders/{orderID}", h.GetOrder)
		r.Delete("/orders/{orderID}", h.CancelOrder)

		r.Get("/events/{eventID}/book", h.GetOrderBook)
		r.Get("/events/{eventID}/trades", h.GetTrades)
		r.Get("/events/{eventID}/price", h.GetPrice)

		r.Get("/users/{userID}/orders", h.GetUserOrders)
		r.Get("/users/{userID}/positions", h.GetUserPositions)
		r.Get("/users/{userID}/wallet", h.GetUserWallet)

		if h.wsHub != nil {
			r.Get("/ws", h.wsHub.HandleWS)
		}
	})
	return r
}

// Health handles GET /health.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// PlaceOrder handles POST /api/v1/orders.
func (h *Handler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	var data engine.OrderData
	if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	res, err := h.engine.PlaceOrder(r.Context(), data)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if res.Trades == nil {
		res.Trades = []*model.Trade{}
	}
	writeJSON(w, http.StatusCreated, res)
}

// GetOrder handles GET /api/v1/orders/{orderID}.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, "user_id query parameter is required", http.StatusBadRequest)
		return
	}

	order, err := h.engine.GetOrder(r.Context(), userID, chi.URLParam(r, "orderID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

// CancelOrder handles DELETE /api/v1/orders/{orderID}.
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, "user_id query parameter is required", http.StatusBadRequest)
		return
	}

	order, err := h.engine.CancelOrder(r.Context(), userID, chi.URLParam(r, "orderID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

// BookLevel is one aggregated price level of the order book.
type BookLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
	Orders   int             `json:"orders"`
}

// OrderBook is the depth snapshot for one event and side.
type OrderBook struct {
	EventID string      `json:"event_id"`
	Side    model.Side  `json:"side"`
	Bids    []BookLevel `json:"bids"` // resting buys, best (highest) first
	Asks    []BookLevel `json:"asks"` // resting sells, best (lowest) first
}

// GetOrderBook handles GET /api/v1/events/{eventID}/book?side=yes.
func (h *Handler) GetOrderBook(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "eventID")
	side := model.Side(r.URL.Query().Get("side"))
	if side == "" {
		side = model.SideYes
	}
	if !side.Valid() {
		writeError(w, "side must be yes or no", http.StatusBadRequest)
		return
	}

	open, err := h.store.ListOpenOrders(r.Context(), eventID)
	if err != nil {
		writeError(w, "failed to load order book", http.StatusInternalServerError)
		return
	}

	book := OrderBook{EventID: eventID, Side: side, Bids: []BookLevel{}, Asks: []BookLevel{}}
	bids := map[string]*BookLevel{}
	asks := map[string]*BookLevel{}
	for _, o := range open {
		if o.Side != side || o.Type != model.OrderTypeLimit {
			continue
		}
		levels := bids
		if o.Action == model.ActionSell {
			levels = asks
		}
		key := o.LimitPrice.String()
		lvl, ok := levels[key]
		if !ok {
			lvl = &BookLevel{Price: o.LimitPrice}
			levels[key] = lvl
		}
		lvl.Quantity = lvl.Quantity.Add(o.RemainingQuantity)
		lvl.Orders++
	}
	for _, lvl := range bids {
		book.Bids = append(book.Bids, *lvl)
	}
	for _, lvl := range asks {
		book.Asks = append(book.Asks, *lvl)
	}
	sort.Slice(book.Bids, func(i, j int) bool { return book.Bids[i].Price.GreaterThan(book.Bids[j].Price) })
	sort.Slice(book.Asks, func(i, j int) bool { return book.Asks[i].Price.LessThan(book.Asks[j].Price) })

	writeJSON(w, http.StatusOK, book)
}

// GetTrades handles GET /api/v1/events/{eventID}/trades.
func (h *Handler) GetTrades(w http.ResponseWriter, r *http.Request) {
	trades, err := h.store.ListTradesByEvent(r.Context(), chi.URLParam(r, "eventID"))
	if err != nil {
		writeError(w, "failed to load trades", http.StatusInternalServerError)
		return
	}
	if trades == nil {
		trades = []model.Trade{}
	}
	writeJSON(w, http.StatusOK, trades)
}

// GetPrice handles GET /api/v1/events/{eventID}/price.
func (h *Handler) GetPrice(w http.ResponseWriter, r *http.Request) {
	event, err := h.store.GetEvent(r.Context(), chi.URLParam(r, "eventID"))
	if err != nil {
		writeError(w, "event not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]decimal.Decimal{
		"yes": event.LastYesPrice,
		"no":  event.LastNoPrice,
	})
}

// GetUserOrders handles GET /api/v1/users/{userID}/orders.
func (h *Handler) GetUserOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := h.store.ListOrdersByUser(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, "failed to load orders", http.StatusInternalServerError)
		return
	}
	if orders == nil {
		orders = []model.Order{}
	}
	writeJSON(w, http.StatusOK, orders)
}

// GetUserPositions handles GET /api/v1/users/{userID}/positions.
func (h *Handler) GetUserPositions(w http.ResponseWriter, r *http.Request) {
	positions, err := h.store.ListPositionsByUser(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, "failed to load positions", http.StatusInternalServerError)
		return
	}
	if positions == nil {
		positions = []model.Position{}
	}
	writeJSON(w, http.StatusOK, positions)
}

// GetUserWallet handles GET /api/v1/users/{userID}/wallet.
func (h *Handler) GetUserWallet(w http.ResponseWriter, r *http.Request) {
	wallet, err := h.store.GetWallet(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, "wallet not found", http.StatusNotFound)
			return
		}
		writeError(w, "failed to load wallet", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, wallet)
}

// writeDomainError maps the engine's error taxonomy onto HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	code, ok := engine.DomainCode(err)
	if !ok {
		writeError(w, "internal error", http.StatusInternalServerError)
		return
	}

	status := http.StatusInternalServerError
	switch code {
	case engine.CodeValidation, engine.CodeInvalidOrderType:
		status = http.StatusBadRequest
	case engine.CodeWalletNotFound, engine.CodeOrderNotFound:
		status = http.StatusNotFound
	case engine.CodeEventNotTradable, engine.CodeInsufficientFunds,
		engine.CodeFillOrKill, engine.CodePositionLimit:
		status = http.StatusConflict
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"code": code, "error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
