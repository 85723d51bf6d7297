package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/talgya/costco-market/internal/market"
	"github.com/talgya/costco-market/internal/trade"
	"github.com/talgya/costco-market/internal/wallet"
)

var (
	// ErrUnauthorized is returned when the server refuses the admin key.
	ErrUnauthorized = errors.New("api: admin key rejected")

	// ErrBadRequest is returned when the server rejects a request as invalid.
	ErrBadRequest = errors.New("api: bad request")
)

// Client sends trades to a running market's admin endpoints.
type Client struct {
	BaseURL string
	Key     string
	HTTP    *http.Client
}

// NewClient creates a client for the market at baseURL.
func NewClient(baseURL, key string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Key:     key,
		HTTP:    &http.Client{Timeout: 10 * time.Second},
	}
}

// remoteError keeps the server's message while matching a local sentinel.
type remoteError struct {
	msg  string
	kind error
}

func (e *remoteError) Error() string { return e.msg }
func (e *remoteError) Unwrap() error { return e.kind }

// Buy purchases through the running market.
func (c *Client) Buy(ctx context.Context, player uuid.UUID, id market.Identity, amount int, buyMax bool) (trade.Receipt, error) {
	return c.trade(ctx, "/api/v1/trade/buy", tradeRequest{Player: player, Key: id.Key(), Amount: amount, Max: buyMax})
}

// Sell sells through the running market.
func (c *Client) Sell(ctx context.Context, player uuid.UUID, id market.Identity, amount int) (trade.Receipt, error) {
	return c.trade(ctx, "/api/v1/trade/sell", tradeRequest{Player: player, Key: id.Key(), Amount: amount})
}

func (c *Client) trade(ctx context.Context, path string, req tradeRequest) (trade.Receipt, error) {
	var v receiptView
	if err := c.post(ctx, path, req, &v); err != nil {
		return trade.Receipt{}, err
	}
	id, err := market.ParseKey(v.Key)
	if err != nil {
		return trade.Receipt{}, err
	}
	total, err := decimal.NewFromString(v.Total)
	if err != nil {
		return trade.Receipt{}, fmt.Errorf("parse total: %w", err)
	}
	balance, err := decimal.NewFromString(v.Balance)
	if err != nil {
		return trade.Receipt{}, fmt.Errorf("parse balance: %w", err)
	}
	return trade.Receipt{
		Player:     v.Player,
		ID:         id,
		Side:       v.Side,
		Requested:  v.Requested,
		Amount:     v.Amount,
		Total:      total,
		Balance:    balance,
		ShownPrice: v.ShownPrice,
	}, nil
}

// Pay moves money between wallets in the running market.
func (c *Client) Pay(ctx context.Context, from, to uuid.UUID, amount decimal.Decimal) (wallet.Transfer, error) {
	var v transferView
	if err := c.post(ctx, "/api/v1/pay", payRequest{From: from, To: to, Amount: amount}, &v); err != nil {
		return wallet.Transfer{}, err
	}
	t := wallet.Transfer{From: v.From, To: v.To}
	var err error
	if t.Amount, err = decimal.NewFromString(v.Amount); err != nil {
		return wallet.Transfer{}, fmt.Errorf("parse amount: %w", err)
	}
	if t.FromBalance, err = decimal.NewFromString(v.FromBalance); err != nil {
		return wallet.Transfer{}, fmt.Errorf("parse balance: %w", err)
	}
	if t.ToBalance, err = decimal.NewFromString(v.ToBalance); err != nil {
		return wallet.Transfer{}, fmt.Errorf("parse balance: %w", err)
	}
	return t, nil
}

// SetBalance overwrites a wallet in the running market.
func (c *Client) SetBalance(ctx context.Context, player uuid.UUID, amount decimal.Decimal) (decimal.Decimal, error) {
	var v walletView
	if err := c.post(ctx, "/api/v1/wallet/"+player.String(), setWalletRequest{Balance: amount}, &v); err != nil {
		return decimal.Zero, err
	}
	bal, err := decimal.NewFromString(v.Balance)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse balance: %w", err)
	}
	return bal, nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.Key)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("POST %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return decodeError(resp)
}

func decodeError(resp *http.Response) error {
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w (status %d)", ErrUnauthorized, resp.StatusCode)
	}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var v errorView
	if err := json.Unmarshal(raw, &v); err != nil || v.Code == "" {
		return fmt.Errorf("api: status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	switch v.Code {
	case codeCannotAfford:
		id, err := market.ParseKey(v.Key)
		if err != nil {
			return &remoteError{msg: v.Error, kind: trade.ErrCannotAfford}
		}
		unit, _ := decimal.NewFromString(v.UnitPrice)
		funds, _ := decimal.NewFromString(v.Funds)
		return &trade.CannotAffordError{ID: id, UnitPrice: unit, Funds: funds}
	case codeInsufficientFunds:
		return &remoteError{msg: v.Error, kind: wallet.ErrInsufficientFunds}
	case codeInvalid:
		return &remoteError{msg: v.Error, kind: ErrBadRequest}
	default:
		return fmt.Errorf("api: status %d: %s", resp.StatusCode, v.Error)
	}
}
