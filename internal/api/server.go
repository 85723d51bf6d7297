// Package api serves the market over HTTP.
// GET endpoints are public (read-only observation).
// POST endpoints require a bearer token and route trades into the running
// market, which owns the stored state while it runs.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/http"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/talgya/costco-market/internal/engine"
	"github.com/talgya/costco-market/internal/market"
	"github.com/talgya/costco-market/internal/trade"
	"github.com/talgya/costco-market/internal/wallet"
)

// Server serves the market state over HTTP.
type Server struct {
	Registry *market.Registry
	Ledger   *wallet.Ledger
	Desk     *trade.Desk    // nil disables the trading endpoints
	Eng      *engine.Engine // optional; status reports tick 0 without it
	Addr     string
	AdminKey string // Bearer token for POST endpoints. Empty = POST disabled.

	// X-Forwarded-For is honored only on requests arriving from these.
	TrustedProxies []netip.Prefix

	// Requests per minute per client on the rate-limited endpoints.
	// Zero means 120.
	RateLimit int

	// AfterWrite runs after every accepted state change.
	AfterWrite func(ctx context.Context) error

	ln  net.Listener
	srv *http.Server
}

// Handler builds the routed handler with CORS applied.
func (s *Server) Handler() http.Handler {
	perMinute := s.RateLimit
	if perMinute <= 0 {
		perMinute = 120
	}
	limiter := NewRateLimiter(perMinute, time.Minute)
	limited := func(next http.HandlerFunc) http.HandlerFunc {
		return RateLimitMiddleware(limiter, s.TrustedProxies, next)
	}

	mux := http.NewServeMux()

	// Public endpoints.
	mux.HandleFunc("/api/v1/status", getOnly(s.handleStatus))
	mux.HandleFunc("/api/v1/prices", getOnly(s.handlePrices))
	mux.HandleFunc("/api/v1/price/", getOnly(limited(s.handlePrice)))
	mux.HandleFunc("/api/v1/top", getOnly(limited(s.handleTop)))

	// GET reads a wallet; POST sets it (admin).
	mux.HandleFunc("/api/v1/wallet/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			s.adminOnly(s.handleSetWallet)(w, r)
			return
		}
		getOnly(limited(s.handleWallet))(w, r)
	})

	// Admin endpoints (POST, require bearer token).
	mux.HandleFunc("/api/v1/trade/buy", s.adminOnly(s.handleBuy))
	mux.HandleFunc("/api/v1/trade/sell", s.adminOnly(s.handleSell))
	mux.HandleFunc("/api/v1/pay", s.adminOnly(s.handlePay))

	return corsMiddleware(mux)
}

// Listen binds the listening socket without serving yet.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.Addr, err)
	}
	s.ln = ln
	return nil
}

// Serve starts serving on the bound socket in a goroutine.
func (s *Server) Serve() {
	s.srv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	slog.Info("HTTP API starting", "addr", s.ln.Addr().String(), "admin_auth", s.AdminKey != "")

	srv, ln := s.srv, s.ln
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", "error", err)
		}
	}()
}

// URL is the base URL local clients dial. Unspecified listen hosts map to
// loopback. Empty before Listen.
func (s *Server) URL() string {
	if s.ln == nil {
		return ""
	}
	ap, err := netip.ParseAddrPort(s.ln.Addr().String())
	if err != nil {
		return "http://" + s.ln.Addr().String()
	}
	addr := ap.Addr().Unmap()
	if addr.IsUnspecified() {
		// Wildcard listeners accept IPv4 loopback on every platform we run on.
		addr = netip.AddrFrom4([4]byte{127, 0, 0, 1})
	}
	return "http://" + netip.AddrPortFrom(addr, ap.Port()).String()
}

// Shutdown stops the server, or just closes the socket if Serve never ran.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv != nil {
		return s.srv.Shutdown(ctx)
	}
	if s.ln != nil {
		return s.ln.Close()
	}
	return nil
}

// corsMiddleware adds CORS headers for allowed frontend origins.
// Set CORS_ORIGINS to a comma-separated list of extra origins.
// Localhost dev servers are always allowed.
func corsMiddleware(next http.Handler) http.Handler {
	allowedOrigins := map[string]bool{
		"http://localhost:5173": true,
		"http://localhost:3000": true,
	}
	if env := os.Getenv("CORS_ORIGINS"); env != "" {
		for _, origin := range strings.Split(env, ",") {
			origin = strings.TrimSpace(origin)
			if origin != "" {
				allowedOrigins[origin] = true
			}
		}
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if allowedOrigins[origin] {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func getOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		next(w, r)
	}
}

// checkBearerToken returns true if the request has a valid admin bearer token.
func (s *Server) checkBearerToken(r *http.Request) bool {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	return ok && subtle.ConstantTimeCompare([]byte(token), []byte(s.AdminKey)) == 1
}

// adminOnly requires POST with a valid bearer token and a trading desk.
func (s *Server) adminOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if s.AdminKey == "" || s.Desk == nil {
			http.Error(w, "admin endpoints disabled (no api_admin_key set)", http.StatusForbidden)
			return
		}
		if !s.checkBearerToken(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{
		"name":        "costco",
		"commodities": s.Registry.Len(),
		"tick":        uint64(0),
		"running":     false,
		"trading":     s.AdminKey != "" && s.Desk != nil,
	}
	if s.Eng != nil {
		status["tick"] = s.Eng.CurrentTick()
		status["running"] = s.Eng.Running()
		status["interval"] = s.Eng.Interval.String()
	}
	writeJSON(w, status)
}

// priceView is the public face of a commodity. The hidden price stays
// server-side.
type priceView struct {
	Key        string  `json:"key"`
	ShownPrice float64 `json:"shown_price"`
	Mass       float64 `json:"mass"`
	Fixed      bool    `json:"fixed"`
	MaxStack   int     `json:"max_stack"`
	Amount     int     `json:"amount"`
	Buy        string  `json:"buy"`
	Sell       string  `json:"sell"`
	BuyStack   string  `json:"buy_stack"`
	SellStack  string  `json:"sell_stack"`
}

func (s *Server) view(e *market.Entry, amount int) (priceView, error) {
	p := s.Registry.Params()
	st := e.Snapshot()
	v := priceView{
		Key:        e.ID.Key(),
		ShownPrice: round4(st.ShownPrice),
		Mass:       round4(st.Mass),
		Fixed:      st.FixedPrice,
		MaxStack:   st.MaxStackSize,
		Amount:     amount,
	}
	buy, err := st.BuyPrice(p, amount)
	if err != nil {
		return priceView{}, err
	}
	sell, err := st.SellPrice(p, amount)
	if err != nil {
		return priceView{}, err
	}
	buyStack, err := st.BuyPrice(p, st.MaxStackSize)
	if err != nil {
		return priceView{}, err
	}
	sellStack, err := st.SellPrice(p, st.MaxStackSize)
	if err != nil {
		return priceView{}, err
	}
	v.Buy = wallet.Round(buy).StringFixed(2)
	v.Sell = wallet.Round(sell).StringFixed(2)
	v.BuyStack = wallet.Round(buyStack).StringFixed(2)
	v.SellStack = wallet.Round(sellStack).StringFixed(2)
	return v, nil
}

func (s *Server) handlePrices(w http.ResponseWriter, r *http.Request) {
	views := make([]priceView, 0, s.Registry.Len())
	var failed error
	s.Registry.Each(func(e *market.Entry) {
		if failed != nil {
			return
		}
		v, err := s.view(e, 1)
		if err != nil {
			failed = err
			return
		}
		views = append(views, v)
	})
	if failed != nil {
		slog.Error("price listing failed", "error", failed)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{"count": len(views), "prices": views})
}

// handlePrice serves GET /api/v1/price/{key}?amount=N. Unknown commodities
// are 404; looking never registers one.
func (s *Server) handlePrice(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.URL.Path, "/api/v1/price/")
	id, err := market.ParseKey(key)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	amount := 1
	if q := r.URL.Query().Get("amount"); q != "" {
		amount, err = strconv.Atoi(q)
		if err != nil || amount <= 0 {
			http.Error(w, "amount must be a positive integer", http.StatusBadRequest)
			return
		}
	}

	e, ok := s.Registry.Lookup(id)
	if !ok {
		http.Error(w, "commodity not found", http.StatusNotFound)
		return
	}
	v, err := s.view(e, amount)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, v)
}

// handleWallet serves GET /api/v1/wallet/{uuid}.
func (s *Server) handleWallet(w http.ResponseWriter, r *http.Request) {
	player, err := uuid.Parse(strings.TrimPrefix(r.URL.Path, "/api/v1/wallet/"))
	if err != nil {
		http.Error(w, "invalid player id", http.StatusBadRequest)
		return
	}
	bal, ok := s.Ledger.Lookup(player)
	if !ok {
		http.Error(w, "wallet not found", http.StatusNotFound)
		return
	}
	writeJSON(w, newWalletView(player, bal))
}

// handleTop serves GET /api/v1/top?n=N, richest first. n defaults to 5.
func (s *Server) handleTop(w http.ResponseWriter, r *http.Request) {
	n := 5
	if q := r.URL.Query().Get("n"); q != "" {
		var err error
		n, err = strconv.Atoi(q)
		if err != nil || n <= 0 || n > 100 {
			http.Error(w, "n must be between 1 and 100", http.StatusBadRequest)
			return
		}
	}
	top := s.Ledger.Top(n)
	views := make([]walletView, 0, len(top))
	for _, e := range top {
		views = append(views, newWalletView(e.Player, e.Balance))
	}
	writeJSON(w, map[string]any{"wallets": views})
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}

func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(data); err != nil {
		slog.Debug("response write failed", "error", err)
	}
}
