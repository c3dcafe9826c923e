// Package exchange implements the GRVT REST client and request signing.
//
// One Client serves one account (a funding wallet plus one trading
// sub-account) and talks to three GRVT hosts:
//   - trades:      account_summary, positions, create_order
//   - market-data: instrument metadata
//   - edge:        api-key login, funding_account_summary, transfer
//
// Sessions are cookie-based: an api-key login yields a `gravity` cookie and
// an X-Grvt-Account-Id header, both replayed on every call. Each account
// holds two api keys — the trading key signs orders and the internal
// transfer hop, the funding key signs the external hops — so the client
// keeps two sessions and two signers.
//
// Read calls retry on their own schedules and degrade to zero values after
// exhaustion (the engines treat zero equity as "do not act"); transfers
// retry only on the venue's transient-failure code, HTTP 429 or transport
// errors.
package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/jpillora/backoff"
	"github.com/shopspring/decimal"

	"github.com/lumaoDoggie/grvt-transfer/internal/config"
	"github.com/lumaoDoggie/grvt-transfer/pkg/types"
)

// Business error code GRVT returns for transient transfer failures.
const codeTransferTransient = 1006

const (
	summaryAttempts  = 4
	positionAttempts = 3
	transferAttempts = 3
)

// APIError is a business-level error decoded from a GRVT error body.
// Transport failures stay plain errors; callers distinguish the two with
// errors.As.
type APIError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"-"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("grvt api error: code=%d status=%d: %s", e.Code, e.Status, e.Message)
}

// KeyKind selects which of the account's two api keys authenticates and
// signs a request.
type KeyKind int

const (
	TradingKey KeyKind = iota
	FundingKey
)

// WarnFunc receives operator warnings the client cannot act on itself,
// such as a read retried to exhaustion. May be nil.
type WarnFunc func(source, message string)

// session is one logged-in api-key session.
type session struct {
	apiKey    string
	cookie    string
	accountID string
	expires   time.Time
}

// Client is the GRVT REST client for one account.
type Client struct {
	label   types.AccountLabel
	acct    config.AccountConfig
	http    *resty.Client
	rl      *RateLimiter
	logger  *slog.Logger
	warn    WarnFunc
	trades  string
	market  string
	edge    string
	trading *Signer
	funding *Signer

	// retry delay bases, shortened in tests
	summaryBaseDelay time.Duration
	positionDelay    time.Duration
	transferMinDelay time.Duration

	mu          sync.Mutex
	sessions    map[KeyKind]*session
	instruments map[string]*types.Instrument
}

// NewClient builds a client for one account. The rate limiter is shared
// between both accounts so the pacing covers the whole process.
func NewClient(label types.AccountLabel, acct config.AccountConfig, env string, chainID int64, rl *RateLimiter, warn WarnFunc, logger *slog.Logger) (*Client, error) {
	tradingSigner, err := NewSigner(acct.TradingSecret, chainID)
	if err != nil {
		return nil, fmt.Errorf("account %s trading signer: %w", label, err)
	}
	fundingSigner, err := NewSigner(acct.FundingSecret, chainID)
	if err != nil {
		return nil, fmt.Errorf("account %s funding signer: %w", label, err)
	}

	trades, market, edge := baseURLs(env)
	httpClient := resty.New().
		SetTimeout(15 * time.Second).
		SetHeader("Content-Type", "application/json")

	return &Client{
		label:   label,
		acct:    acct,
		http:    httpClient,
		rl:      rl,
		logger:  logger.With("component", "exchange", "account", string(label)),
		warn:    warn,
		trades:  trades,
		market:  market,
		edge:    edge,
		trading: tradingSigner,
		funding: fundingSigner,

		summaryBaseDelay: time.Second,
		positionDelay:    time.Second,
		transferMinDelay: 1500 * time.Millisecond,
		sessions: map[KeyKind]*session{
			TradingKey: {apiKey: acct.TradingKey},
			FundingKey: {apiKey: acct.FundingKey},
		},
		instruments: make(map[string]*types.Instrument),
	}, nil
}

// Label returns the account label this client serves.
func (c *Client) Label() types.AccountLabel { return c.label }

// TradingSubAccountID returns the configured trading sub-account id.
func (c *Client) TradingSubAccountID() string { return c.acct.TradingSubAccountID }

// FundingAddress returns the configured funding wallet address.
func (c *Client) FundingAddress() string { return c.acct.FundingAddress }

func baseURLs(env string) (trades, market, edge string) {
	if env == "test" {
		return "https://trades.testnet.grvt.io",
			"https://market-data.testnet.grvt.io",
			"https://edge.testnet.grvt.io"
	}
	return "https://trades.grvt.io",
		"https://market-data.grvt.io",
		"https://edge.grvt.io"
}

// ensureSession logs in with the api key when the cookie is missing or
// about to expire, and returns a copy of the live session.
func (c *Client) ensureSession(ctx context.Context, kind KeyKind) (session, error) {
	c.mu.Lock()
	s := c.sessions[kind]
	if s.cookie != "" && time.Until(s.expires) > 10*time.Second {
		out := *s
		c.mu.Unlock()
		return out, nil
	}
	c.mu.Unlock()

	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]string{"api_key": s.apiKey}).
		Post(c.edge + "/auth/api_key/login")
	if err != nil {
		return session{}, fmt.Errorf("api key login: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return session{}, c.decodeError(resp)
	}

	var cookie, accountID string
	expires := time.Now().Add(5 * time.Minute)
	for _, ck := range resp.Cookies() {
		if ck.Name == "gravity" {
			cookie = ck.Value
			if !ck.Expires.IsZero() {
				expires = ck.Expires
			}
		}
	}
	accountID = resp.Header().Get("X-Grvt-Account-Id")
	if cookie == "" {
		return session{}, fmt.Errorf("api key login: no gravity cookie in response")
	}

	c.mu.Lock()
	s.cookie = cookie
	s.accountID = accountID
	s.expires = expires
	out := *s
	c.mu.Unlock()
	return out, nil
}

// post performs one authenticated POST and decodes the result envelope.
func (c *Client) post(ctx context.Context, kind KeyKind, url string, body, result any) error {
	s, err := c.ensureSession(ctx, kind)
	if err != nil {
		return err
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Cookie", "gravity="+s.cookie).
		SetHeader("X-Grvt-Account-Id", s.accountID).
		SetBody(body).
		SetResult(result).
		Post(url)
	if err != nil {
		return err
	}
	if resp.StatusCode() != http.StatusOK {
		return c.decodeError(resp)
	}
	return nil
}

// decodeError turns a non-200 response into an APIError, falling back to
// the raw body when the error shape does not parse.
func (c *Client) decodeError(resp *resty.Response) error {
	var apiErr APIError
	if err := json.Unmarshal(resp.Body(), &apiErr); err == nil && (apiErr.Code != 0 || apiErr.Message != "") {
		apiErr.Status = resp.StatusCode()
		return &apiErr
	}
	return &APIError{Status: resp.StatusCode(), Message: resp.String()}
}

type summaryEnvelope struct {
	Result types.SubAccountSummary `json:"result"`
}

type fundingEnvelope struct {
	Result types.FundingSummary `json:"result"`
}

type positionsEnvelope struct {
	Result []types.Position `json:"result"`
}

type instrumentEnvelope struct {
	Result types.Instrument `json:"result"`
}

type transferEnvelope struct {
	Result types.TransferResult `json:"result"`
}

// SubAccountSummary reads the trading sub-account's margin state. Retries
// with exponential delays; after exhaustion it warns and returns a zero
// observation so the caller's zero-equity guard takes over.
func (c *Client) SubAccountSummary(ctx context.Context) (types.Observation, error) {
	var lastErr error
	for attempt := 0; attempt < summaryAttempts; attempt++ {
		if attempt > 0 {
			delay := c.summaryBaseDelay << (attempt - 1)
			if delay > 8*c.summaryBaseDelay {
				delay = 8 * c.summaryBaseDelay
			}
			select {
			case <-ctx.Done():
				return types.Observation{}, ctx.Err()
			case <-time.After(delay):
			}
		}
		if err := c.rl.Summary.Wait(ctx); err != nil {
			return types.Observation{}, err
		}

		var env summaryEnvelope
		err := c.post(ctx, TradingKey, c.trades+"/full/v1/account_summary",
			map[string]string{"sub_account_id": c.acct.TradingSubAccountID}, &env)
		if err != nil {
			lastErr = err
			c.logger.Warn("sub-account summary failed", "attempt", attempt+1, "error", err)
			continue
		}

		eventNs, _ := strconv.ParseInt(env.Result.EventTime, 10, 64)
		return types.Observation{
			TotalEquity: env.Result.TotalEquity,
			MaintMargin: env.Result.MaintenanceMargin,
			Available:   env.Result.AvailableBalance,
			EventTimeNs: eventNs,
		}, nil
	}

	c.warnf("summary", "sub-account summary retries_exhausted account=%s err=%v", c.label, lastErr)
	return types.Observation{}, nil
}

// FundingSummary reads the funding wallet's spot balances.
func (c *Client) FundingSummary(ctx context.Context) (*types.FundingSummary, error) {
	var lastErr error
	for attempt := 0; attempt < summaryAttempts; attempt++ {
		if attempt > 0 {
			delay := c.summaryBaseDelay << (attempt - 1)
			if delay > 8*c.summaryBaseDelay {
				delay = 8 * c.summaryBaseDelay
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}
		if err := c.rl.Summary.Wait(ctx); err != nil {
			return nil, err
		}

		var env fundingEnvelope
		err := c.post(ctx, FundingKey, c.edge+"/full/v1/funding_account_summary",
			map[string]string{}, &env)
		if err != nil {
			lastErr = err
			c.logger.Warn("funding summary failed", "attempt", attempt+1, "error", err)
			continue
		}
		return &env.Result, nil
	}

	c.warnf("summary", "funding summary retries_exhausted account=%s err=%v", c.label, lastErr)
	return &types.FundingSummary{}, nil
}

// FundingUSDTBalance extracts the configured currency's balance from the
// funding summary, zero when absent.
func (c *Client) FundingUSDTBalance(ctx context.Context) (decimal.Decimal, error) {
	summary, err := c.FundingSummary(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	for _, bal := range summary.SpotBalances {
		if bal.Currency == c.acct.Currency {
			return bal.Balance, nil
		}
	}
	return decimal.Zero, nil
}

// Positions lists the trading sub-account's perpetual positions.
func (c *Client) Positions(ctx context.Context) ([]types.Position, error) {
	var lastErr error
	for attempt := 0; attempt < positionAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.positionDelay):
			}
		}
		if err := c.rl.Summary.Wait(ctx); err != nil {
			return nil, err
		}

		var env positionsEnvelope
		err := c.post(ctx, TradingKey, c.trades+"/full/v1/positions",
			map[string]any{"sub_account_id": c.acct.TradingSubAccountID, "kind": []string{"PERPETUAL"}}, &env)
		if err != nil {
			lastErr = err
			c.logger.Warn("positions failed", "attempt", attempt+1, "error", err)
			continue
		}
		return env.Result, nil
	}

	c.warnf("positions", "positions retries_exhausted account=%s err=%v", c.label, lastErr)
	return nil, lastErr
}

// GetInstrument fetches venue metadata for an instrument, cached for the
// process lifetime (base decimals and min size do not change intraday).
func (c *Client) GetInstrument(ctx context.Context, name string) (*types.Instrument, error) {
	c.mu.Lock()
	if inst, ok := c.instruments[name]; ok {
		c.mu.Unlock()
		return inst, nil
	}
	c.mu.Unlock()

	if err := c.rl.Summary.Wait(ctx); err != nil {
		return nil, err
	}
	var env instrumentEnvelope
	err := c.post(ctx, TradingKey, c.market+"/full/v1/instrument",
		map[string]string{"instrument": name}, &env)
	if err != nil {
		return nil, fmt.Errorf("get instrument %s: %w", name, err)
	}

	inst := env.Result
	c.mu.Lock()
	c.instruments[name] = &inst
	c.mu.Unlock()
	return &inst, nil
}

// Transfer executes one signed USDT transfer hop. Sub-account id "0"
// denotes the funding wallet side. Retries on the venue's transient code,
// HTTP 429 and transport errors only; a definitive rejection fails fast.
func (c *Client) Transfer(ctx context.Context, kind KeyKind, fromAccount, fromSub, toAccount, toSub string, amount decimal.Decimal) (types.TransferResult, error) {
	signer := c.funding
	if kind == TradingKey {
		signer = c.trading
	}

	bo := &backoff.Backoff{Min: c.transferMinDelay, Factor: 1.5, Jitter: false}
	var lastErr error
	for attempt := 0; attempt < transferAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return types.TransferResult{}, ctx.Err()
			case <-time.After(bo.Duration()):
			}
		}
		if err := c.rl.Transfer.Wait(ctx); err != nil {
			return types.TransferResult{}, err
		}

		sig, err := signer.SignTransfer(fromAccount, fromSub, toAccount, toSub, amount)
		if err != nil {
			return types.TransferResult{}, fmt.Errorf("sign transfer: %w", err)
		}
		req := types.TransferRequest{
			FromAccountID:    fromAccount,
			FromSubAccountID: fromSub,
			ToAccountID:      toAccount,
			ToSubAccountID:   toSub,
			Currency:         c.acct.Currency,
			NumTokens:        amount.StringFixed(6),
			Signature:        sig,
			TransferType:     "STANDARD",
			TransferMetadata: "",
		}

		var env transferEnvelope
		err = c.post(ctx, kind, c.edge+"/full/v1/transfer", req, &env)
		if err == nil {
			if !env.Result.Ack {
				return env.Result, fmt.Errorf("transfer not acknowledged")
			}
			return env.Result, nil
		}

		lastErr = err
		if !transferRetryable(err) {
			return types.TransferResult{}, err
		}
		c.logger.Warn("transfer hop failed, retrying", "attempt", attempt+1, "error", err)
	}
	return types.TransferResult{}, fmt.Errorf("transfer failed after %d attempts: %w", transferAttempts, lastErr)
}

// transferRetryable reports whether a transfer error is worth retrying:
// the venue's transient code, a 429, or any transport-level failure.
func transferRetryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == codeTransferTransient || apiErr.Status == http.StatusTooManyRequests
	}
	return true
}

// OrderParams describes the single reduce-only market order shape this
// system places. Size is unsigned; IsBuying carries the direction.
type OrderParams struct {
	Instrument types.Instrument
	Size       decimal.Decimal
	IsBuying   bool
}

// CreateOrder places a reduce-only IOC market order on the trading
// sub-account. One attempt, no retry: a duplicate market order is worse
// than a missed iteration, the unwind loop re-evaluates anyway.
//
// A summary call runs first to refresh the gravity session cookie, since
// the order endpoint rejects stale sessions without a clean error shape.
func (c *Client) CreateOrder(ctx context.Context, p OrderParams) error {
	if _, err := c.SubAccountSummary(ctx); err != nil {
		return fmt.Errorf("order warm-up: %w", err)
	}
	if err := c.rl.Order.Wait(ctx); err != nil {
		return err
	}

	sig, err := c.trading.SignOrder(OrderSignParams{
		SubAccountID: c.acct.TradingSubAccountID,
		IsMarket:     true,
		TimeInForce:  types.ImmediateOrCancel,
		PostOnly:     false,
		ReduceOnly:   true,
		AssetID:      p.Instrument.InstrumentHash,
		ContractSize: ContractSize(p.Size, p.Instrument.BaseDecimals),
		LimitPrice:   0,
		IsBuying:     p.IsBuying,
	})
	if err != nil {
		return fmt.Errorf("sign order: %w", err)
	}

	payload := types.OrderPayload{
		SubAccountID: c.acct.TradingSubAccountID,
		IsMarket:     true,
		TimeInForce:  types.ImmediateOrCancel.String(),
		PostOnly:     false,
		ReduceOnly:   true,
		Legs: []types.OrderLeg{{
			Instrument:    p.Instrument.Instrument,
			Size:          p.Size.String(),
			LimitPrice:    nil,
			IsBuyingAsset: p.IsBuying,
		}},
		Signature: sig,
		Metadata:  types.OrderMetadata{ClientOrderID: ClientOrderID()},
	}

	var result json.RawMessage
	err = c.post(ctx, TradingKey, c.trades+"/full/v1/create_order",
		map[string]any{"order": payload}, &result)
	if err != nil {
		return fmt.Errorf("create order %s: %w", p.Instrument.Instrument, err)
	}
	return nil
}

func (c *Client) warnf(source, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	c.logger.Warn(msg, "source", source)
	if c.warn != nil {
		c.warn(source, msg)
	}
}
