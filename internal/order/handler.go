package order

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"payment-reconciler/internal/cache"
	"payment-reconciler/internal/db"
)

// ReadHandler serves the order read API the storefront consumes. Responses
// are cached; the reconciliation pipeline invalidates entries when it mutates
// the underlying rows.
type ReadHandler struct {
	orders *db.OrderRepository
	cache  *cache.Cache
	logger *slog.Logger
}

func NewReadHandler(orders *db.OrderRepository, c *cache.Cache, logger *slog.Logger) *ReadHandler {
	return &ReadHandler{orders: orders, cache: c, logger: logger}
}

type orderView struct {
	ID            uuid.UUID  `json:"id"`
	Status        string     `json:"status"`
	PaymentStatus string     `json:"paymentStatus"`
	Amount        int64      `json:"amount"`
	Currency      string     `json:"currency"`
	Email         string     `json:"email"`
	PaidAt        *time.Time `json:"paidAt,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	Items         []itemView `json:"items"`
}

type itemView struct {
	ProductID uuid.UUID `json:"productId"`
	Quantity  int       `json:"quantity"`
	Price     int64     `json:"price"`
}

func (h *ReadHandler) HandleGetOrder(w http.ResponseWriter, r *http.Request) {
	orderID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, "invalid order id", http.StatusBadRequest)
		return
	}

	key := cache.OrderKey(orderID)
	if cached, ok := h.cache.Get(key); ok {
		writeView(w, cached.(*orderView))
		return
	}

	entity, err := h.orders.GetByID(r.Context(), orderID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			http.Error(w, "order not found", http.StatusNotFound)
			return
		}
		h.logger.ErrorContext(r.Context(), "Error loading order", "orderId", orderID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	items, err := h.orders.GetItems(r.Context(), orderID)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "Error loading order items", "orderId", orderID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	view := &orderView{
		ID:            entity.ID,
		Status:        entity.Status,
		PaymentStatus: entity.PaymentStatus,
		Amount:        entity.Amount,
		Currency:      entity.Currency,
		Email:         entity.Email,
		PaidAt:        entity.PaidAt,
		CreatedAt:     entity.CreatedAt,
		Items:         make([]itemView, 0, len(items)),
	}
	for _, item := range items {
		view.Items = append(view.Items, itemView{ProductID: item.ProductID, Quantity: item.Quantity, Price: item.Price})
	}

	h.cache.Set(key, view)
	writeView(w, view)
}

func writeView(w http.ResponseWriter, view *orderView) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(view)
}
