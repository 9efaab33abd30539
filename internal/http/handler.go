package http

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"spinbridge/internal/domain"
	"spinbridge/internal/models"
	"spinbridge/internal/services"
	"spinbridge/internal/store"
	"spinbridge/internal/worker"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
)

type Handler struct {
	Orders *services.OrderService
	Fills  *services.FillService
	Relay  *worker.Relay
}

func NewHandler(orders *services.OrderService, fills *services.FillService, relay *worker.Relay) *Handler {
	return &Handler{Orders: orders, Fills: fills, Relay: relay}
}

type createBuyOrderRequest struct {
	Token       string `json:"token"`
	TokenAmount string `json:"tokenAmount"`
	FiatAmount  string `json:"fiatAmount"`
	Voucher     string `json:"voucher"`
}

type createSellOrderRequest struct {
	Token        string `json:"token"`
	TokenAmount  string `json:"tokenAmount"`
	FiatAmount   string `json:"fiatAmount"`
	EscrowTxHash string `json:"escrowTxHash"`
}

type createFillRequest struct {
	OrderID       string `json:"orderId"`
	PayoutAddress string `json:"payoutAddress"`
	Voucher       string `json:"voucher"`
}

type recordSettlementRequest struct {
	TxHash string `json:"txHash"`
}

type recoverVoucherRequest struct {
	TxHash    string `json:"txHash"`
	PublicID  string `json:"publicId"`
	PrivateID string `json:"privateId"`
}

type secureBundleView struct {
	PublicID      string `json:"publicId"`
	CiphertextHex string `json:"ciphertextHex"`
}

type buyOrderResponse struct {
	OrderID       string            `json:"orderId"`
	BuyerID       string            `json:"buyerId"`
	Token         string            `json:"token"`
	TokenAmount   string            `json:"tokenAmount"`
	FiatAmount    string            `json:"fiatAmount"`
	ReferenceCode string            `json:"referenceCode"`
	Status        string            `json:"status"`
	Bundle        *secureBundleView `json:"bundle,omitempty"`
	TxHash        string            `json:"txHash,omitempty"`
	TransferTxID  string            `json:"transferTxId,omitempty"`
	TransferError string            `json:"transferError,omitempty"`
	CancelReason  string            `json:"cancelReason,omitempty"`
	CreatedAt     string            `json:"createdAt"`
	ExpiresAt     string            `json:"expiresAt"`
}

type sellOrderResponse struct {
	OrderID        string `json:"orderId"`
	SellerID       string `json:"sellerId"`
	Token          string `json:"token"`
	TokenAmount    string `json:"tokenAmount"`
	FiatAmount     string `json:"fiatAmount,omitempty"`
	EscrowAddress  string `json:"escrowAddress"`
	Status         string `json:"status"`
	TxHash         string `json:"txHash,omitempty"`
	SettlementTxID string `json:"settlementTxId,omitempty"`
	CancelReason   string `json:"cancelReason,omitempty"`
	CreatedAt      string `json:"createdAt"`
	ExpiresAt      string `json:"expiresAt"`
}

type fillResponse struct {
	FillID        string `json:"fillId"`
	OrderID       string `json:"orderId"`
	FillerID      string `json:"fillerId"`
	PayoutAddress string `json:"payoutAddress"`
	ReferenceCode string `json:"referenceCode"`
	FiatAmount    string `json:"fiatAmount"`
	Status        string `json:"status"`
	TxHash        string `json:"txHash,omitempty"`
	TransferTxID  string `json:"transferTxId,omitempty"`
	TransferError string `json:"transferError,omitempty"`
	FailReason    string `json:"failReason,omitempty"`
	CreatedAt     string `json:"createdAt"`
	ExpiresAt     string `json:"expiresAt"`
}

func callerID(r *http.Request) string {
	return r.Header.Get("X-User-Id")
}

func (h *Handler) CreateBuyOrder(w http.ResponseWriter, r *http.Request) {
	var req createBuyOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	fiat, err := decimal.NewFromString(req.FiatAmount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid fiat amount")
		return
	}

	order, privateID, err := h.Orders.CreateBuyOrder(r.Context(), services.CreateBuyOrderParams{
		BuyerID:     callerID(r),
		RawVoucher:  []byte(req.Voucher),
		FiatAmount:  fiat,
		Token:       req.Token,
		TokenAmount: req.TokenAmount,
	})
	if err != nil {
		writeDomainError(w, err, "create buy order failed")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"order":     buyOrderView(order),
		"privateId": privateID,
	})
}

func (h *Handler) CreateSellOrder(w http.ResponseWriter, r *http.Request) {
	var req createSellOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	params := services.CreateSellOrderParams{
		SellerID:     callerID(r),
		Token:        req.Token,
		TokenAmount:  req.TokenAmount,
		EscrowTxHash: req.EscrowTxHash,
	}
	if req.FiatAmount != "" {
		fiat, err := decimal.NewFromString(req.FiatAmount)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid fiat amount")
			return
		}
		params.FiatAmount = &fiat
	}

	order, err := h.Orders.CreateSellOrder(r.Context(), params)
	if err != nil {
		writeDomainError(w, err, "create sell order failed")
		return
	}
	writeJSON(w, http.StatusCreated, sellOrderView(order))
}

func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderId")
	if orderID == "" {
		writeError(w, http.StatusBadRequest, "missing order id")
		return
	}

	order, err := h.Orders.GetOrder(r.Context(), orderID)
	if err != nil {
		writeDomainError(w, err, "get order failed")
		return
	}
	writeOrder(w, order)
}

func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	params := services.ListOrdersParams{
		Token:  q.Get("token"),
		Status: models.OrderStatus(q.Get("status")),
	}
	if q.Get("mine") == "true" {
		params.OwnerOnly = true
		params.CallerID = callerID(r)
	}

	book, err := h.Orders.ListOrders(r.Context(), params)
	if err != nil {
		writeDomainError(w, err, "list orders failed")
		return
	}

	buys := make([]buyOrderResponse, 0, len(book.Buys))
	for _, o := range book.Buys {
		buys = append(buys, buyOrderView(o))
	}
	sells := make([]sellOrderResponse, 0, len(book.Sells))
	for _, o := range book.Sells {
		sells = append(sells, sellOrderView(o))
	}
	writeJSON(w, http.StatusOK, map[string]any{"buys": buys, "sells": sells})
}

func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderId")
	order, err := h.Orders.CancelOrder(r.Context(), callerID(r), orderID)
	if err != nil {
		writeDomainError(w, err, "cancel order failed")
		return
	}
	writeOrder(w, order)
}

func (h *Handler) RecordSettlement(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderId")
	var req recordSettlementRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	order, err := h.Orders.RecordSettlement(r.Context(), callerID(r), orderID, req.TxHash)
	if err != nil {
		writeDomainError(w, err, "record settlement failed")
		return
	}
	writeJSON(w, http.StatusOK, buyOrderView(order))
}

func (h *Handler) RecoverVoucher(w http.ResponseWriter, r *http.Request) {
	var req recoverVoucherRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if req.TxHash == "" || req.PublicID == "" || req.PrivateID == "" {
		writeError(w, http.StatusBadRequest, "txHash, publicId and privateId are required")
		return
	}

	raw, err := h.Orders.RecoverVoucher(r.Context(), req.TxHash, req.PublicID, req.PrivateID)
	if err != nil {
		writeDomainError(w, err, "recover voucher failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"voucher": string(raw)})
}

func (h *Handler) CreateFill(w http.ResponseWriter, r *http.Request) {
	var req createFillRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	fill, err := h.Fills.CreateFill(r.Context(), services.CreateFillParams{
		FillerID:      callerID(r),
		OrderID:       req.OrderID,
		PayoutAddress: req.PayoutAddress,
		RawVoucher:    []byte(req.Voucher),
	})
	if err != nil {
		writeDomainError(w, err, "create fill failed")
		return
	}
	writeJSON(w, http.StatusCreated, fillView(fill))
}

func (h *Handler) GetFill(w http.ResponseWriter, r *http.Request) {
	fillID := chi.URLParam(r, "fillId")
	if fillID == "" {
		writeError(w, http.StatusBadRequest, "missing fill id")
		return
	}

	fill, err := h.Fills.GetFill(r.Context(), fillID)
	if err != nil {
		writeDomainError(w, err, "get fill failed")
		return
	}
	writeJSON(w, http.StatusOK, fillView(fill))
}

func (h *Handler) ListFills(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	fills, err := h.Fills.ListFills(r.Context(), store.FillFilter{
		OrderID: q.Get("orderId"),
		Owner:   q.Get("fillerId"),
		Status:  models.FillStatus(q.Get("status")),
	})
	if err != nil {
		writeDomainError(w, err, "list fills failed")
		return
	}

	out := make([]fillResponse, 0, len(fills))
	for _, f := range fills {
		out = append(out, fillView(f))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) CancelFill(w http.ResponseWriter, r *http.Request) {
	fillID := chi.URLParam(r, "fillId")
	fill, err := h.Fills.CancelFill(r.Context(), callerID(r), fillID)
	if err != nil {
		writeDomainError(w, err, "cancel fill failed")
		return
	}
	writeJSON(w, http.StatusOK, fillView(fill))
}

func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	entityID := chi.URLParam(r, "entityId")
	if entityID == "" {
		writeError(w, http.StatusBadRequest, "missing entity id")
		return
	}

	if err := h.Relay.ReconcileEntity(r.Context(), entityID); err != nil {
		writeDomainError(w, err, "reconcile failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reconciled"})
}

func writeOrder(w http.ResponseWriter, order *services.Order) {
	if order.Buy != nil {
		writeJSON(w, http.StatusOK, buyOrderView(order.Buy))
		return
	}
	writeJSON(w, http.StatusOK, sellOrderView(order.Sell))
}

func buyOrderView(o *models.BuyOrder) buyOrderResponse {
	resp := buyOrderResponse{
		OrderID:       o.OrderID,
		BuyerID:       o.BuyerID,
		Token:         o.Token,
		TokenAmount:   o.TokenAmount,
		FiatAmount:    o.FiatAmount.String(),
		ReferenceCode: o.ReferenceCode,
		Status:        string(o.Status),
		CreatedAt:     o.CreatedAt.Format(time.RFC3339),
		ExpiresAt:     o.ExpiresAt.Format(time.RFC3339),
	}
	if o.Bundle != nil {
		resp.Bundle = &secureBundleView{
			PublicID:      o.Bundle.PublicID,
			CiphertextHex: o.Bundle.CiphertextHex,
		}
	}
	if o.TxHash != nil {
		resp.TxHash = *o.TxHash
	}
	if o.TransferTxID != nil {
		resp.TransferTxID = *o.TransferTxID
	}
	if o.TransferError != nil {
		resp.TransferError = *o.TransferError
	}
	if o.CancelReason != nil {
		resp.CancelReason = *o.CancelReason
	}
	return resp
}

func sellOrderView(o *models.SellOrder) sellOrderResponse {
	resp := sellOrderResponse{
		OrderID:       o.OrderID,
		SellerID:      o.SellerID,
		Token:         o.Token,
		TokenAmount:   o.TokenAmount,
		EscrowAddress: o.EscrowAddress,
		Status:        string(o.Status),
		CreatedAt:     o.CreatedAt.Format(time.RFC3339),
		ExpiresAt:     o.ExpiresAt.Format(time.RFC3339),
	}
	if o.FiatAmount != nil {
		resp.FiatAmount = o.FiatAmount.String()
	}
	if o.TxHash != nil {
		resp.TxHash = *o.TxHash
	}
	if o.SettlementTxID != nil {
		resp.SettlementTxID = *o.SettlementTxID
	}
	if o.CancelReason != nil {
		resp.CancelReason = *o.CancelReason
	}
	return resp
}

func fillView(f *models.Fill) fillResponse {
	resp := fillResponse{
		FillID:        f.FillID,
		OrderID:       f.OrderID,
		FillerID:      f.FillerID,
		PayoutAddress: f.PayoutAddress,
		ReferenceCode: f.ReferenceCode,
		FiatAmount:    f.FiatAmount.String(),
		Status:        string(f.Status),
		CreatedAt:     f.CreatedAt.Format(time.RFC3339),
		ExpiresAt:     f.ExpiresAt.Format(time.RFC3339),
	}
	if f.TxHash != nil {
		resp.TxHash = *f.TxHash
	}
	if f.TransferTxID != nil {
		resp.TransferTxID = *f.TransferTxID
	}
	if f.TransferError != nil {
		resp.TransferError = *f.TransferError
	}
	if f.FailReason != nil {
		resp.FailReason = *f.FailReason
	}
	return resp
}

func writeDomainError(w http.ResponseWriter, err error, fallback string) {
	var derr *domain.Error
	if !errors.As(err, &derr) {
		log.Printf("http: %s: %v", fallback, err)
		writeError(w, http.StatusInternalServerError, fallback)
		return
	}

	status := http.StatusInternalServerError
	switch derr.Kind {
	case domain.KindValidation:
		status = http.StatusBadRequest
	case domain.KindReplay:
		status = http.StatusConflict
	case domain.KindNotFound:
		status = http.StatusNotFound
	case domain.KindUnauthorized:
		status = http.StatusForbidden
	case domain.KindInvalidState:
		status = http.StatusConflict
	case domain.KindLedger:
		status = http.StatusBadGateway
	case domain.KindDecryption:
		status = http.StatusUnprocessableEntity
	}

	body := map[string]any{"error": derr.Message, "kind": string(derr.Kind)}
	if len(derr.Details) > 0 {
		body["details"] = derr.Details
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("http: write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
