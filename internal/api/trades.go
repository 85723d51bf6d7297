package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/talgya/costco-market/internal/economy"
	"github.com/talgya/costco-market/internal/market"
	"github.com/talgya/costco-market/internal/trade"
	"github.com/talgya/costco-market/internal/wallet"
)

// Error codes carried in failed write responses.
const (
	codeCannotAfford      = "cannot_afford"
	codeInsufficientFunds = "insufficient_funds"
	codeInvalid           = "invalid"
	codeInternal          = "internal"
)

type tradeRequest struct {
	Player uuid.UUID `json:"player"`
	Key    string    `json:"key"`
	Amount int       `json:"amount"`
	Max    bool      `json:"max,omitempty"`
}

type payRequest struct {
	From   uuid.UUID       `json:"from"`
	To     uuid.UUID       `json:"to"`
	Amount decimal.Decimal `json:"amount"`
}

type setWalletRequest struct {
	Balance decimal.Decimal `json:"balance"`
}

type receiptView struct {
	Player     uuid.UUID  `json:"player"`
	Key        string     `json:"key"`
	Side       trade.Side `json:"side"`
	Requested  int        `json:"requested"`
	Amount     int        `json:"amount"`
	Total      string     `json:"total"`
	Balance    string     `json:"balance"`
	ShownPrice float64    `json:"shown_price"`
}

type transferView struct {
	From        uuid.UUID `json:"from"`
	To          uuid.UUID `json:"to"`
	Amount      string    `json:"amount"`
	FromBalance string    `json:"from_balance"`
	ToBalance   string    `json:"to_balance"`
}

type walletView struct {
	Player    uuid.UUID `json:"player"`
	Balance   string    `json:"balance"`
	Formatted string    `json:"formatted"`
}

type errorView struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Key       string `json:"key,omitempty"`
	UnitPrice string `json:"unit_price,omitempty"`
	Funds     string `json:"funds,omitempty"`
}

func newWalletView(player uuid.UUID, bal decimal.Decimal) walletView {
	return walletView{Player: player, Balance: bal.StringFixed(2), Formatted: wallet.Format(bal)}
}

func newReceiptView(r trade.Receipt) receiptView {
	return receiptView{
		Player:     r.Player,
		Key:        r.ID.Key(),
		Side:       r.Side,
		Requested:  r.Requested,
		Amount:     r.Amount,
		Total:      r.Total.StringFixed(2),
		Balance:    r.Balance.StringFixed(2),
		ShownPrice: round4(r.ShownPrice),
	}
}

// handleBuy serves POST /api/v1/trade/buy.
func (s *Server) handleBuy(w http.ResponseWriter, r *http.Request) {
	req, id, ok := decodeTrade(w, r)
	if !ok {
		return
	}
	rcpt, err := s.Desk.Buy(req.Player, id, req.Amount, req.Max)
	if err != nil {
		writeTradeError(w, err)
		return
	}
	s.afterWrite(r)
	writeJSON(w, newReceiptView(rcpt))
}

// handleSell serves POST /api/v1/trade/sell.
func (s *Server) handleSell(w http.ResponseWriter, r *http.Request) {
	req, id, ok := decodeTrade(w, r)
	if !ok {
		return
	}
	rcpt, err := s.Desk.Sell(req.Player, id, req.Amount)
	if err != nil {
		writeTradeError(w, err)
		return
	}
	s.afterWrite(r)
	writeJSON(w, newReceiptView(rcpt))
}

// handlePay serves POST /api/v1/pay.
func (s *Server) handlePay(w http.ResponseWriter, r *http.Request) {
	var req payRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errorView{Error: "invalid json", Code: codeInvalid})
		return
	}
	t, err := s.Desk.Pay(req.From, req.To, req.Amount)
	if err != nil {
		writeTradeError(w, err)
		return
	}
	s.afterWrite(r)
	writeJSON(w, transferView{
		From:        t.From,
		To:          t.To,
		Amount:      t.Amount.StringFixed(2),
		FromBalance: t.FromBalance.StringFixed(2),
		ToBalance:   t.ToBalance.StringFixed(2),
	})
}

// handleSetWallet serves POST /api/v1/wallet/{uuid}.
func (s *Server) handleSetWallet(w http.ResponseWriter, r *http.Request) {
	player, err := uuid.Parse(strings.TrimPrefix(r.URL.Path, "/api/v1/wallet/"))
	if err != nil {
		writeError(w, http.StatusBadRequest, errorView{Error: "invalid player id", Code: codeInvalid})
		return
	}
	var req setWalletRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errorView{Error: "invalid json", Code: codeInvalid})
		return
	}
	bal, err := s.Desk.SetBalance(player, req.Balance)
	if err != nil {
		writeTradeError(w, err)
		return
	}
	s.afterWrite(r)
	writeJSON(w, newWalletView(player, bal))
}

func decodeTrade(w http.ResponseWriter, r *http.Request) (tradeRequest, market.Identity, bool) {
	var req tradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errorView{Error: "invalid json", Code: codeInvalid})
		return req, market.Identity{}, false
	}
	if req.Player == uuid.Nil {
		writeError(w, http.StatusBadRequest, errorView{Error: "player is required", Code: codeInvalid})
		return req, market.Identity{}, false
	}
	id, err := market.ParseKey(req.Key)
	if err != nil {
		writeError(w, http.StatusBadRequest, errorView{Error: err.Error(), Code: codeInvalid})
		return req, market.Identity{}, false
	}
	return req, id, true
}

// afterWrite persists an accepted change. The change already happened in
// memory, so a failed save is logged and left to the next autosave.
func (s *Server) afterWrite(r *http.Request) {
	if s.AfterWrite == nil {
		return
	}
	if err := s.AfterWrite(r.Context()); err != nil {
		slog.Error("save after write failed", "path", r.URL.Path, "error", err)
	}
}

func writeTradeError(w http.ResponseWriter, err error) {
	var cannot *trade.CannotAffordError
	switch {
	case errors.As(err, &cannot):
		writeError(w, http.StatusConflict, errorView{
			Error:     err.Error(),
			Code:      codeCannotAfford,
			Key:       cannot.ID.Key(),
			UnitPrice: cannot.UnitPrice.StringFixed(2),
			Funds:     cannot.Funds.StringFixed(2),
		})
	case errors.Is(err, wallet.ErrInsufficientFunds):
		writeError(w, http.StatusConflict, errorView{Error: err.Error(), Code: codeInsufficientFunds})
	case errors.Is(err, economy.ErrInvalidAmount),
		errors.Is(err, economy.ErrInvalidStack),
		errors.Is(err, wallet.ErrInvalidAmount),
		errors.Is(err, wallet.ErrSelfTransfer),
		errors.Is(err, market.ErrInvalidIdentity):
		writeError(w, http.StatusBadRequest, errorView{Error: err.Error(), Code: codeInvalid})
	default:
		slog.Error("trade failed", "error", err)
		writeError(w, http.StatusInternalServerError, errorView{Error: "internal error", Code: codeInternal})
	}
}

func writeError(w http.ResponseWriter, status int, v errorView) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("response write failed", "error", err)
	}
}
