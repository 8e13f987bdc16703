package http

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/mail"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/tsa-backend/ledger/internal/domain"
	"github.com/tsa-backend/ledger/internal/metrics"
	"github.com/tsa-backend/ledger/internal/usecase"
)

type PurchaseRequest struct {
	Amount       decimal.Decimal `json:"amount"`
	CurrencyCode string          `json:"currency_code"`
}

type RedeemRequest struct {
	Code string `json:"code"`
}

type ApplyRequest struct {
	VoucherID      int64           `json:"voucher_id"`
	PurchaseAmount decimal.Decimal `json:"purchase_amount"`
}

type SendRequest struct {
	RecipientEmail string `json:"recipient_email"`
	RecipientName  string `json:"recipient_name"`
	Message        string `json:"message"`
}

type JoinRequest struct {
	Preferences map[string]any `json:"preferences"`
}

type AwardRequest struct {
	UserID         int64           `json:"user_id"`
	PurchaseAmount decimal.Decimal `json:"purchase_amount"`
}

type ValidateResponse struct {
	Valid        bool            `json:"valid"`
	Amount       decimal.Decimal `json:"amount"`
	CurrencyCode string          `json:"currency_code"`
}

type ApplyResponse struct {
	AmountUsed decimal.Decimal `json:"amount_used"`
	Remaining  decimal.Decimal `json:"remaining"`
	Voucher    domain.Voucher  `json:"voucher"`
}

type MembershipResponse struct {
	IsMember bool `json:"is_member"`
}

type DeactivateResponse struct {
	Deactivated bool                  `json:"deactivated"`
	Account     domain.LoyaltyAccount `json:"account"`
}

type ErrorResponse struct {
	Error  string `json:"error"`
	Code   string `json:"code"`
	Entity string `json:"entity,omitempty"`
	Ref    string `json:"ref,omitempty"`
}

type Handler struct {
	gateway usecase.LedgerGateway
	metrics *metrics.Metrics
}

func NewHandler(gateway usecase.LedgerGateway, m *metrics.Metrics) *Handler {
	return &Handler{gateway: gateway, metrics: m}
}

func (h *Handler) Routes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Use(RequireIdentity)

		r.Get("/vouchers", h.ListVouchers)
		r.Post("/vouchers/purchase", h.PurchaseVoucher)
		r.Get("/vouchers/validate", h.ValidateVoucher)
		r.Get("/vouchers/validate/{code}", h.ValidateVoucher)
		r.Post("/vouchers/redeem", h.RedeemVoucher)
		r.Post("/vouchers/apply", h.ApplyVoucher)
		r.Get("/vouchers/{id}", h.GetVoucher)
		r.Post("/vouchers/{id}/send", h.SendVoucher)

		r.Get("/loyalty", h.ListMembers)
		r.Post("/loyalty", h.JoinLoyalty)
		r.Get("/loyalty/check-membership", h.CheckMembership)
		r.Post("/loyalty/award", h.AwardPoints)
		r.Get("/loyalty/{id}", h.GetLoyalty)
		r.Put("/loyalty/{id}", h.UpdateLoyalty)
		r.Post("/loyalty/{id}/deactivate", h.DeactivateLoyalty)
	})
}

func (h *Handler) ListVouchers(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	caller, _ := IdentityFrom(r.Context())

	vouchers, err := h.gateway.ListVouchers(r.Context(), caller.UserID)
	if vouchers == nil {
		vouchers = []domain.Voucher{}
	}
	h.respond(w, "list_vouchers", start, http.StatusOK, vouchers, err)
}

func (h *Handler) PurchaseVoucher(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	caller, _ := IdentityFrom(r.Context())

	var req PurchaseRequest
	if !decode(w, r, &req) {
		return
	}
	voucher, err := h.gateway.IssueVoucher(r.Context(), usecase.IssueVoucherInput{
		OwnerID:      caller.UserID,
		Amount:       req.Amount,
		CurrencyCode: req.CurrencyCode,
	})
	h.respond(w, "issue", start, http.StatusCreated, voucher, err)
}

func (h *Handler) ValidateVoucher(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	code := chi.URLParam(r, "code")
	if code == "" {
		code = r.URL.Query().Get("code")
	}
	if code == "" {
		badRequest(w, "code is required")
		return
	}

	voucher, err := h.gateway.ValidateVoucher(r.Context(), code)
	var resp *ValidateResponse
	if err == nil {
		resp = &ValidateResponse{Valid: true, Amount: voucher.Amount, CurrencyCode: voucher.CurrencyCode}
	}
	h.respond(w, "validate", start, http.StatusOK, resp, err)
}

func (h *Handler) RedeemVoucher(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	caller, _ := IdentityFrom(r.Context())

	var req RedeemRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Code == "" {
		badRequest(w, "code is required")
		return
	}
	voucher, err := h.gateway.RedeemVoucher(r.Context(), req.Code, caller.UserID)
	h.respond(w, "redeem", start, http.StatusOK, voucher, err)
}

func (h *Handler) ApplyVoucher(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	caller, _ := IdentityFrom(r.Context())

	var req ApplyRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.gateway.ApplyVoucher(r.Context(), usecase.ApplyVoucherInput{
		VoucherID:      req.VoucherID,
		ActorID:        caller.UserID,
		PurchaseAmount: req.PurchaseAmount,
	})
	var resp *ApplyResponse
	if err == nil {
		resp = &ApplyResponse{AmountUsed: res.AmountUsed, Remaining: res.Remaining, Voucher: res.Voucher}
	}
	h.respond(w, "apply", start, http.StatusOK, resp, err)
}

func (h *Handler) GetVoucher(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	caller, _ := IdentityFrom(r.Context())

	id, ok := pathID(w, r)
	if !ok {
		return
	}
	voucher, err := h.gateway.GetVoucher(r.Context(), caller.UserID, id)
	h.respond(w, "get_voucher", start, http.StatusOK, voucher, err)
}

func (h *Handler) SendVoucher(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	caller, _ := IdentityFrom(r.Context())

	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req SendRequest
	if !decode(w, r, &req) {
		return
	}
	addr, err := mail.ParseAddress(req.RecipientEmail)
	if err != nil {
		badRequest(w, "recipient_email is not a valid email address")
		return
	}
	voucher, err := h.gateway.GiftVoucher(r.Context(), usecase.GiftVoucherInput{
		VoucherID:      id,
		ActorID:        caller.UserID,
		RecipientEmail: addr.Address,
		RecipientName:  req.RecipientName,
		Message:        req.Message,
	})
	h.respond(w, "gift", start, http.StatusOK, voucher, err)
}

func (h *Handler) ListMembers(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	caller, _ := IdentityFrom(r.Context())

	accounts, err := h.gateway.ListLoyaltyMembers(r.Context(), caller.UserID)
	if accounts == nil {
		accounts = []domain.LoyaltyAccount{}
	}
	h.respond(w, "list_members", start, http.StatusOK, accounts, err)
}

func (h *Handler) JoinLoyalty(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	caller, _ := IdentityFrom(r.Context())

	var req JoinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		badRequest(w, "invalid request body")
		return
	}
	account, err := h.gateway.JoinLoyalty(r.Context(), caller.UserID, req.Preferences)
	h.respond(w, "join", start, http.StatusCreated, account, err)
}

func (h *Handler) CheckMembership(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	caller, _ := IdentityFrom(r.Context())

	member, err := h.gateway.CheckMembership(r.Context(), caller.UserID)
	h.respond(w, "check_membership", start, http.StatusOK, MembershipResponse{IsMember: member}, err)
}

func (h *Handler) AwardPoints(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	caller, _ := IdentityFrom(r.Context())
	if !caller.IsAdmin() {
		err := domain.NewError(domain.ErrNotAuthorized, domain.EntityLoyalty, "")
		h.respond(w, "award", start, 0, nil, err)
		return
	}

	var req AwardRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.gateway.AwardPoints(r.Context(), req.UserID, req.PurchaseAmount)
	if err == nil {
		h.metrics.PointsAwarded(res.PointsAwarded)
	}
	h.respond(w, "award", start, http.StatusOK, res, err)
}

func (h *Handler) GetLoyalty(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	caller, _ := IdentityFrom(r.Context())

	account, err := h.gateway.GetLoyalty(r.Context(), caller.UserID, chi.URLParam(r, "id"))
	h.respond(w, "get_loyalty", start, http.StatusOK, account, err)
}

func (h *Handler) UpdateLoyalty(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	caller, _ := IdentityFrom(r.Context())

	var req JoinRequest
	if !decode(w, r, &req) {
		return
	}
	account, err := h.gateway.UpdateLoyaltyPreferences(r.Context(), caller.UserID, chi.URLParam(r, "id"), req.Preferences)
	h.respond(w, "update_loyalty", start, http.StatusOK, account, err)
}

func (h *Handler) DeactivateLoyalty(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	caller, _ := IdentityFrom(r.Context())

	account, err := h.gateway.DeactivateLoyalty(r.Context(), caller.UserID, chi.URLParam(r, "id"))
	var resp *DeactivateResponse
	if err == nil {
		resp = &DeactivateResponse{Deactivated: true, Account: *account}
	}
	h.respond(w, "deactivate", start, http.StatusOK, resp, err)
}

func (h *Handler) respond(w http.ResponseWriter, op string, start time.Time, status int, body any, err error) {
	h.metrics.Observe(metrics.TransportHTTP, op, start, err)
	if err != nil {
		writeError(w, op, err)
		return
	}
	writeJSON(w, status, body)
}

// StatusFor maps a ledger error kind to its HTTP status.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidAmount),
		errors.Is(err, domain.ErrInvalidCurrency),
		errors.Is(err, domain.ErrSelfRedeem):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrExpired):
		return http.StatusGone
	case errors.Is(err, domain.ErrNotActive),
		errors.Is(err, domain.ErrAlreadySent),
		errors.Is(err, domain.ErrAlreadyMember),
		errors.Is(err, domain.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, domain.ErrWrongRecipient),
		errors.Is(err, domain.ErrNotAuthorized):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, op string, err error) {
	status := StatusFor(err)
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Str("op", op).Msg("ledger operation failed")
		writeJSON(w, status, ErrorResponse{Error: "internal server error", Code: domain.CodeInternal})
		return
	}

	resp := ErrorResponse{Error: err.Error(), Code: domain.Code(err)}
	var lerr *domain.Error
	if errors.As(err, &lerr) {
		resp.Error = lerr.Kind.Error()
		resp.Entity = lerr.Entity
		resp.Ref = lerr.Ref
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Warn().Err(err).Msg("encode response")
	}
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: msg, Code: "BAD_REQUEST"})
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		badRequest(w, "invalid request body")
		return false
	}
	return true
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		badRequest(w, "invalid id")
		return 0, false
	}
	return id, true
}
