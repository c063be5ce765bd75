// Package handler содержит HTTP-обработчики API сервиса учёта поставок.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ovolkov/supplybook/internal/ledger"
	"github.com/ovolkov/supplybook/internal/middleware"
	"github.com/ovolkov/supplybook/internal/model"
	"github.com/ovolkov/supplybook/internal/repository"
	"github.com/ovolkov/supplybook/internal/service"
)

const dayLayout = "2006-01-02"

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	RegisterUser(ctx context.Context, login, password string) (int64, error)
	AuthenticateUser(ctx context.Context, login, password string) (int64, error)
	BaseRate(ctx context.Context, ownerID int64) (decimal.Decimal, error)
	SetBaseRate(ctx context.Context, ownerID int64, rate decimal.Decimal) error
	CreateCustomer(ctx context.Context, ownerID int64, in service.CustomerInput) (*model.Customer, error)
	GetCustomer(ctx context.Context, ownerID, id int64) (*model.Customer, error)
	ListCustomers(ctx context.Context, ownerID int64) ([]model.Customer, error)
	UpdateCustomer(ctx context.Context, ownerID, id int64, in service.CustomerInput) (*model.Customer, error)
	DeleteCustomer(ctx context.Context, ownerID, id int64) error
	SaveDailySheet(ctx context.Context, ownerID int64, day time.Time, entries []service.SheetEntry) (int, error)
	SaveEntry(ctx context.Context, ownerID, customerID int64, day time.Time, in service.EntryInput) (*model.Customer, bool, error)
	DeleteEntry(ctx context.Context, ownerID, customerID, entryID int64) (*model.Customer, error)
	Statement(ctx context.Context, ownerID, customerID int64) (*model.Customer, []model.Transaction, error)
	Restore(ctx context.Context, ownerID int64, customers []service.RestoreCustomer) error
}

// Handler реализует HTTP-обработчики API сервиса учёта поставок.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
	}
}

type credentialsRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

// Register обрабатывает регистрацию нового оператора.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Login == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	userID, err := h.service.RegisterUser(r.Context(), req.Login, req.Password)
	if err != nil {
		if errors.Is(err, repository.ErrUserExists) {
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
			return
		}
		h.logger.Error("register user error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.authMiddleware.SetAuthCookie(w, userID)
	w.WriteHeader(http.StatusOK)
}

// Login выполняет аутентификацию оператора и установку cookie.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Login == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	userID, err := h.service.AuthenticateUser(r.Context(), req.Login, req.Password)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) || errors.Is(err, service.ErrInvalidCredentials) {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		h.logger.Error("login user error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.authMiddleware.SetAuthCookie(w, userID)
	w.WriteHeader(http.StatusOK)
}

func ownerID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return 0, false
	}
	return id, true
}

func pathID(r *http.Request, name string) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, name), 10, 64)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("encode response error", zap.Error(err))
	}
}

type customerRequest struct {
	Name           string          `json:"name"`
	Phone          string          `json:"phone"`
	OpeningBalance decimal.Decimal `json:"opening_balance"`
	SupplyRate     decimal.Decimal `json:"supply_rate"`
}

type customerResponse struct {
	ID             int64           `json:"id"`
	Name           string          `json:"name"`
	Phone          string          `json:"phone,omitempty"`
	OpeningBalance decimal.Decimal `json:"opening_balance"`
	SupplyRate     decimal.Decimal `json:"supply_rate"`
	CurrentBalance decimal.Decimal `json:"current_balance"`
	TotalSupplied  decimal.Decimal `json:"total_supplied"`
	TotalPaid      decimal.Decimal `json:"total_paid"`
	LastSupplyDate string          `json:"last_supply_date"`
	CreatedAt      string          `json:"created_at"`
}

func toCustomerResponse(c *model.Customer) customerResponse {
	return customerResponse{
		ID:             c.ID,
		Name:           c.Name,
		Phone:          c.Phone,
		OpeningBalance: c.OpeningBalance,
		SupplyRate:     c.SupplyRate,
		CurrentBalance: c.CurrentBalance,
		TotalSupplied:  c.TotalSupplied,
		TotalPaid:      c.TotalPaid,
		LastSupplyDate: c.LastSupplyDate.Format(dayLayout),
		CreatedAt:      c.CreatedAt.Format(time.RFC3339),
	}
}

// CreateCustomer создаёт нового клиента текущего оператора.
func (h *Handler) CreateCustomer(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerID(w, r)
	if !ok {
		return
	}

	var req customerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	c, err := h.service.CreateCustomer(r.Context(), owner, service.CustomerInput{
		Name:           req.Name,
		Phone:          req.Phone,
		OpeningBalance: req.OpeningBalance,
		SupplyRate:     req.SupplyRate,
	})
	if err != nil {
		if errors.Is(err, service.ErrInvalidCustomerName) || errors.Is(err, service.ErrInvalidPhone) {
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
			return
		}
		h.logger.Error("create customer error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusCreated, toCustomerResponse(c))
}

// ListCustomers возвращает список клиентов текущего оператора.
func (h *Handler) ListCustomers(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerID(w, r)
	if !ok {
		return
	}

	customers, err := h.service.ListCustomers(r.Context(), owner)
	if err != nil {
		h.logger.Error("list customers error", zap.Error(err), zap.Int64("ownerID", owner))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if len(customers) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]customerResponse, 0, len(customers))
	for i := range customers {
		resp = append(resp, toCustomerResponse(&customers[i]))
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// GetCustomer возвращает клиента текущего оператора по идентификатору.
func (h *Handler) GetCustomer(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerID(w, r)
	if !ok {
		return
	}

	id, err := pathID(r, "customerID")
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	c, err := h.service.GetCustomer(r.Context(), owner, id)
	if err != nil {
		if errors.Is(err, repository.ErrCustomerNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("get customer error", zap.Error(err), zap.Int64("customerID", id))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, toCustomerResponse(c))
}

// UpdateCustomer обновляет клиента; изменение начального баланса влечёт
// полный пересчёт его книги.
func (h *Handler) UpdateCustomer(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerID(w, r)
	if !ok {
		return
	}

	id, err := pathID(r, "customerID")
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var req customerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	c, err := h.service.UpdateCustomer(r.Context(), owner, id, service.CustomerInput{
		Name:           req.Name,
		Phone:          req.Phone,
		OpeningBalance: req.OpeningBalance,
		SupplyRate:     req.SupplyRate,
	})
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrCustomerNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		case errors.Is(err, service.ErrInvalidCustomerName) || errors.Is(err, service.ErrInvalidPhone):
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		default:
			h.logger.Error("update customer error", zap.Error(err), zap.Int64("customerID", id))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	h.writeJSON(w, http.StatusOK, toCustomerResponse(c))
}

// DeleteCustomer удаляет клиента вместе со всеми его операциями.
func (h *Handler) DeleteCustomer(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerID(w, r)
	if !ok {
		return
	}

	id, err := pathID(r, "customerID")
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.DeleteCustomer(r.Context(), owner, id); err != nil {
		if errors.Is(err, repository.ErrCustomerNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("delete customer error", zap.Error(err), zap.Int64("customerID", id))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

type transactionResponse struct {
	ID           int64           `json:"id"`
	Day          string          `json:"day"`
	Kind         string          `json:"kind"`
	Quantity     decimal.Decimal `json:"quantity"`
	Rate         decimal.Decimal `json:"rate"`
	Amount       decimal.Decimal `json:"amount"`
	Method       string          `json:"method,omitempty"`
	Note         string          `json:"note,omitempty"`
	BalanceAfter decimal.Decimal `json:"balance_after"`
}

type statementResponse struct {
	Customer     customerResponse      `json:"customer"`
	Transactions []transactionResponse `json:"transactions"`
}

// Statement возвращает книгу клиента: операции в каноническом порядке с
// балансом после каждой.
func (h *Handler) Statement(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerID(w, r)
	if !ok {
		return
	}

	id, err := pathID(r, "customerID")
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	c, txs, err := h.service.Statement(r.Context(), owner, id)
	if err != nil {
		if errors.Is(err, repository.ErrCustomerNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("statement error", zap.Error(err), zap.Int64("customerID", id))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	resp := statementResponse{
		Customer:     toCustomerResponse(c),
		Transactions: make([]transactionResponse, 0, len(txs)),
	}
	for i := range txs {
		t := &txs[i]
		resp.Transactions = append(resp.Transactions, transactionResponse{
			ID:           t.ID,
			Day:          t.Day.Format(dayLayout),
			Kind:         string(t.Kind),
			Quantity:     t.Quantity,
			Rate:         t.Rate,
			Amount:       t.Amount,
			Method:       t.Method,
			Note:         t.Note,
			BalanceAfter: t.BalanceAfter,
		})
	}

	h.writeJSON(w, http.StatusOK, resp)
}

type sheetEntryRequest struct {
	CustomerID int64           `json:"customer_id"`
	Quantity   decimal.Decimal `json:"quantity"`
	Payment    decimal.Decimal `json:"payment"`
}

type sheetRequest struct {
	Date    string              `json:"date"`
	Entries []sheetEntryRequest `json:"entries"`
}

type sheetResponse struct {
	Changed int `json:"changed"`
}

// SaveSheet сохраняет дневную ведомость: пары (количество, платёж) всех
// клиентов за выбранный день.
func (h *Handler) SaveSheet(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerID(w, r)
	if !ok {
		return
	}

	var req sheetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	day, err := time.Parse(dayLayout, req.Date)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	entries := make([]service.SheetEntry, 0, len(req.Entries))
	for _, e := range req.Entries {
		entries = append(entries, service.SheetEntry{
			CustomerID: e.CustomerID,
			Quantity:   e.Quantity,
			Payment:    e.Payment,
		})
	}

	changed, err := h.service.SaveDailySheet(r.Context(), owner, day, entries)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrCustomerNotFound):
			http.Error(w, err.Error(), http.StatusNotFound)
		case errors.Is(err, ledger.ErrNegativeQuantity) || errors.Is(err, ledger.ErrNegativePayment):
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		default:
			h.logger.Error("save sheet error", zap.Error(err), zap.String("date", req.Date))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	h.writeJSON(w, http.StatusOK, sheetResponse{Changed: changed})
}

type entryRequest struct {
	CustomerID int64           `json:"customer_id"`
	Date       string          `json:"date"`
	Quantity   decimal.Decimal `json:"quantity"`
	Payment    decimal.Decimal `json:"payment"`
	Method     string          `json:"method"`
	Note       string          `json:"note"`
}

type entryResponse struct {
	Customer customerResponse `json:"customer"`
	Changed  bool             `json:"changed"`
}

// SaveEntry сохраняет разовую запись одного клиента за один день.
func (h *Handler) SaveEntry(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerID(w, r)
	if !ok {
		return
	}

	var req entryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	day, err := time.Parse(dayLayout, req.Date)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	c, changed, err := h.service.SaveEntry(r.Context(), owner, req.CustomerID, day, service.EntryInput{
		Quantity: req.Quantity,
		Payment:  req.Payment,
		Method:   req.Method,
		Note:     req.Note,
	})
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrCustomerNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		case errors.Is(err, ledger.ErrNegativeQuantity) || errors.Is(err, ledger.ErrNegativePayment):
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		default:
			h.logger.Error("save entry error", zap.Error(err), zap.Int64("customerID", req.CustomerID))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	h.writeJSON(w, http.StatusOK, entryResponse{Customer: toCustomerResponse(c), Changed: changed})
}

// DeleteEntry удаляет одну операцию клиента и возвращает клиента с
// пересчитанными агрегатами.
func (h *Handler) DeleteEntry(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerID(w, r)
	if !ok {
		return
	}

	customerID, err := pathID(r, "customerID")
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	entryID, err := pathID(r, "entryID")
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	c, err := h.service.DeleteEntry(r.Context(), owner, customerID, entryID)
	if err != nil {
		if errors.Is(err, repository.ErrCustomerNotFound) || errors.Is(err, repository.ErrTransactionNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("delete entry error", zap.Error(err), zap.Int64("entryID", entryID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, toCustomerResponse(c))
}

type rateResponse struct {
	BaseRate decimal.Decimal `json:"base_rate"`
}

// GetRate возвращает базовую цену за единицу поставки текущего оператора.
func (h *Handler) GetRate(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerID(w, r)
	if !ok {
		return
	}

	rate, err := h.service.BaseRate(r.Context(), owner)
	if err != nil {
		h.logger.Error("get base rate error", zap.Error(err), zap.Int64("ownerID", owner))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, rateResponse{BaseRate: rate})
}

// SetRate устанавливает базовую цену за единицу поставки текущего оператора.
func (h *Handler) SetRate(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerID(w, r)
	if !ok {
		return
	}

	var req rateResponse
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.SetBaseRate(r.Context(), owner, req.BaseRate); err != nil {
		h.logger.Error("set base rate error", zap.Error(err), zap.Int64("ownerID", owner))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
}

type restoreTransactionRequest struct {
	Day      string          `json:"day"`
	Kind     string          `json:"kind"`
	Quantity decimal.Decimal `json:"quantity"`
	Rate     decimal.Decimal `json:"rate"`
	Amount   decimal.Decimal `json:"amount"`
	Method   string          `json:"method"`
	Note     string          `json:"note"`
}

type restoreCustomerRequest struct {
	CustomerID   int64                       `json:"customer_id"`
	Transactions []restoreTransactionRequest `json:"transactions"`
}

type restoreRequest struct {
	Customers []restoreCustomerRequest `json:"customers"`
}

// Restore заменяет наборы операций перечисленных клиентов импортированными
// и пересчитывает книгу каждого; производные поля копии не импортируются.
func (h *Handler) Restore(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerID(w, r)
	if !ok {
		return
	}

	var req restoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	customers := make([]service.RestoreCustomer, 0, len(req.Customers))
	for _, rc := range req.Customers {
		txs := make([]service.RestoreTransaction, 0, len(rc.Transactions))
		for _, rt := range rc.Transactions {
			day, err := time.Parse(dayLayout, rt.Day)
			if err != nil {
				http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
				return
			}
			txs = append(txs, service.RestoreTransaction{
				Day:      day,
				Kind:     model.TransactionKind(rt.Kind),
				Quantity: rt.Quantity,
				Rate:     rt.Rate,
				Amount:   rt.Amount,
				Method:   rt.Method,
				Note:     rt.Note,
			})
		}
		customers = append(customers, service.RestoreCustomer{
			CustomerID:   rc.CustomerID,
			Transactions: txs,
		})
	}

	if err := h.service.Restore(r.Context(), owner, customers); err != nil {
		switch {
		case errors.Is(err, repository.ErrCustomerNotFound):
			http.Error(w, err.Error(), http.StatusNotFound)
		case errors.Is(err, service.ErrUnknownTransactionKind) || errors.Is(err, service.ErrInvalidImportValue):
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		default:
			h.logger.Error("restore error", zap.Error(err))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	w.WriteHeader(http.StatusOK)
}
