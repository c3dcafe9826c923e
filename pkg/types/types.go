// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the rebalancer — account
// observations, positions, instrument metadata, rebalance/unwind results,
// and the GRVT wire payloads. It has no dependencies on internal packages,
// so it can be imported by any layer.
package types

import (
	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Action classifies the outcome of one rebalance pass.
type Action string

const (
	ActionNoop          Action = "noop"
	ActionExecuted      Action = "executed"
	ActionFailed        Action = "failed"
	ActionBlockedMM     Action = "blocked_mm"
	ActionBlockedAvail  Action = "blocked_avail"
	ActionBlockedZeroEq Action = "blocked_zero_equity"
	ActionUnwind        Action = "unwind"
)

// UnwindAction classifies the outcome of one unwind check.
type UnwindAction string

const (
	UnwindDisabled  UnwindAction = "disabled"
	UnwindNoTrigger UnwindAction = "no_trigger"
	UnwindCompleted UnwindAction = "unwind_completed"
)

// AccountLabel identifies one side of the hedged pair.
type AccountLabel string

const (
	AccountA AccountLabel = "A"
	AccountB AccountLabel = "B"
)

// TimeInForce uses GRVT's EIP-712 signing code table.
type TimeInForce uint8

const (
	GoodTillTime      TimeInForce = 1
	AllOrNone         TimeInForce = 2
	ImmediateOrCancel TimeInForce = 3
	FillOrKill        TimeInForce = 4
)

// String returns the REST wire name for a time-in-force code.
func (t TimeInForce) String() string {
	switch t {
	case GoodTillTime:
		return "GOOD_TILL_TIME"
	case AllOrNone:
		return "ALL_OR_NONE"
	case ImmediateOrCancel:
		return "IMMEDIATE_OR_CANCEL"
	case FillOrKill:
		return "FILL_OR_KILL"
	default:
		return "GOOD_TILL_TIME"
	}
}

// ————————————————————————————————————————————————————————————————————————
// Account observations
// ————————————————————————————————————————————————————————————————————————

// Observation is one refresh of a trading sub-account's margin state.
// All monetary fields are exact decimals; equity and margin comparisons
// against thresholds never go through binary floats.
type Observation struct {
	TotalEquity decimal.Decimal
	MaintMargin decimal.Decimal
	Available   decimal.Decimal
	EventTimeNs int64 // venue event time, nanoseconds
}

// AvailPct returns available/equity as a percentage, or zero when equity
// is not positive (API error or empty account).
func (o Observation) AvailPct() decimal.Decimal {
	if o.TotalEquity.Sign() <= 0 {
		return decimal.Zero
	}
	return o.Available.Div(o.TotalEquity).Mul(decimal.NewFromInt(100))
}

// MarginPct returns maintenance_margin/equity as a percentage. The second
// return is false when equity is not positive (the ratio is undefined).
func (o Observation) MarginPct() (decimal.Decimal, bool) {
	if o.TotalEquity.Sign() <= 0 {
		return decimal.Zero, false
	}
	if o.MaintMargin.Sign() <= 0 {
		return decimal.Zero, true
	}
	return o.MaintMargin.Div(o.TotalEquity).Mul(decimal.NewFromInt(100)), true
}

// Position is one perpetual position on a trading sub-account.
// Size is signed: positive = long, negative = short.
type Position struct {
	Instrument    string          `json:"instrument"`
	Size          decimal.Decimal `json:"size"`
	Notional      decimal.Decimal `json:"notional"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
}

// Instrument is venue metadata needed to size and sign an order.
// InstrumentHash is the uint256 asset id in hex ("0x…") form.
type Instrument struct {
	Instrument     string          `json:"instrument"`
	InstrumentHash string          `json:"instrument_hash"`
	BaseDecimals   int             `json:"base_decimals"`
	MinSize        decimal.Decimal `json:"min_size"`
	TickSize       decimal.Decimal `json:"tick_size"`
}

// ————————————————————————————————————————————————————————————————————————
// Engine results
// ————————————————————————————————————————————————————————————————————————

// TxIDs records the venue transaction ids of the three transfer hops.
type TxIDs struct {
	Internal         string `json:"internal,omitempty"`
	FundingToFunding string `json:"funding_to_funding,omitempty"`
	Deposit          string `json:"deposit,omitempty"`
}

// AccountState is the post-action margin state of one account, carried in
// rebalance events for reporting.
type AccountState struct {
	Equity    string `json:"equity"`
	MM        string `json:"mm"`
	Available string `json:"available"`
	AvailPct  string `json:"avail_pct"`
}

// RebalanceEvent is the structured result of one rebalance pass. It is
// published to the snapshot bus and dispatched to the alert sink.
type RebalanceEvent struct {
	EventTimeSH  string       `json:"event_time_sh"`
	Action       Action       `json:"action"`
	Success      bool         `json:"success"`
	Trigger      string       `json:"trigger,omitempty"`
	Delta        string       `json:"delta,omitempty"`
	TransferUSDT string       `json:"transfer_usdt,omitempty"`
	TotalEquity  string       `json:"totalEquity,omitempty"`
	Eq1          string       `json:"eq1,omitempty"`
	Eq2          string       `json:"eq2,omitempty"`
	MM1          string       `json:"mm1,omitempty"`
	MM2          string       `json:"mm2,omitempty"`
	Avail1       string       `json:"avail1,omitempty"`
	Avail2       string       `json:"avail2,omitempty"`
	AvailPct1    string       `json:"avail_pct1,omitempty"`
	AvailPct2    string       `json:"avail_pct2,omitempty"`
	TradingA     AccountState `json:"trading_a,omitzero"`
	TradingB     AccountState `json:"trading_b,omitzero"`
	FundingAPre  string       `json:"funding_a_pre,omitempty"`
	FundingBPre  string       `json:"funding_b_pre,omitempty"`
	FundingAPost string       `json:"funding_a_post,omitempty"`
	FundingBPost string       `json:"funding_b_post,omitempty"`
	TxIDs        TxIDs        `json:"tx_ids,omitzero"`
}

// UnwindOrderResult is the outcome of a single reduce-only order.
type UnwindOrderResult struct {
	Account    AccountLabel `json:"account"`
	Iteration  int          `json:"iteration"`
	Success    bool         `json:"success"`
	DryRun     bool         `json:"dry_run"`
	Instrument string       `json:"instrument"`
	Size       string       `json:"reduce_size"`
	Notional   string       `json:"notional"`
	Error      string       `json:"error,omitempty"`
}

// UnmatchedPosition flags an instrument held on only one side of the
// hedged pair.
type UnmatchedPosition struct {
	Instrument string `json:"instrument"`
	HasA       bool   `json:"has_a"`
	HasB       bool   `json:"has_b"`
}

// UnwindSummary is the final report of one unwind episode.
type UnwindSummary struct {
	Action     UnwindAction        `json:"action"`
	Orders     int                 `json:"iterations"`
	Successful int                 `json:"successful"`
	Failed     int                 `json:"failed"`
	DryRun     bool                `json:"dry_run"`
	FinalPct1  string              `json:"final_pct1,omitempty"`
	FinalPct2  string              `json:"final_pct2,omitempty"`
	AccountA   []UnwindOrderResult `json:"account_a,omitempty"`
	AccountB   []UnwindOrderResult `json:"account_b,omitempty"`
	Results    []UnwindOrderResult `json:"results,omitempty"`
	Pct1       string              `json:"pct1,omitempty"`
	Pct2       string              `json:"pct2,omitempty"`
	TriggerAt  string              `json:"trigger_at,omitempty"`
}

// UnwindProgress mirrors the live state of an unwind episode for the
// Telegram status view.
type UnwindProgress struct {
	InProgress  bool    `json:"in_progress"`
	Iteration   int     `json:"iteration,omitempty"`
	PctA        string  `json:"pct_a,omitempty"`
	PctB        string  `json:"pct_b,omitempty"`
	TriggerPct  string  `json:"trigger_pct,omitempty"`
	RecoveryPct string  `json:"recovery_pct,omitempty"`
	UpdatedTS   float64 `json:"updated_ts,omitempty"`
}

// ————————————————————————————————————————————————————————————————————————
// Persisted runtime state
// ————————————————————————————————————————————————————————————————————————

// RuntimeUnwind is the non-secret slice of the unwind config published for
// the status view.
type RuntimeUnwind struct {
	Enabled     bool   `json:"enabled"`
	TriggerPct  string `json:"triggerPct"`
	RecoveryPct string `json:"recoveryPct"`
}

// RuntimeSettings is written by the control loop on start and stop so the
// bot supervisor can report what the loop is actually running with.
// Readers treat a record older than six hours as stale.
type RuntimeSettings struct {
	Env          string        `json:"env"`
	PID          int           `json:"pid"`
	Running      bool          `json:"running"`
	TriggerValue string        `json:"triggerValue"`
	Unwind       RuntimeUnwind `json:"unwind"`
	TS           float64       `json:"ts"`
	StoppedTS    float64       `json:"stopped_ts,omitempty"`
}

// BotState is the bot supervisor's persisted heartbeat record.
type BotState struct {
	ChatID      string  `json:"chat_id,omitempty"`
	HeartbeatTS float64 `json:"heartbeat_ts,omitempty"`
}

// ————————————————————————————————————————————————————————————————————————
// GRVT wire payloads
// ————————————————————————————————————————————————————————————————————————

// SubAccountSummary is the result body of sub_account_summary_v1.
type SubAccountSummary struct {
	SubAccountID      string          `json:"sub_account_id"`
	TotalEquity       decimal.Decimal `json:"total_equity"`
	MaintenanceMargin decimal.Decimal `json:"maintenance_margin"`
	AvailableBalance  decimal.Decimal `json:"available_balance"`
	EventTime         string          `json:"event_time"`
}

// SpotBalance is one currency entry in a funding account summary.
type SpotBalance struct {
	Currency string          `json:"currency"`
	Balance  decimal.Decimal `json:"balance"`
}

// FundingSummary is the result body of funding_account_summary_v1.
type FundingSummary struct {
	MainAccountID string        `json:"main_account_id"`
	SpotBalances  []SpotBalance `json:"spot_balances"`
}

// Signature is the EIP-712 signature block shared by transfers and orders.
type Signature struct {
	Signer     string `json:"signer"`
	R          string `json:"r"`
	S          string `json:"s"`
	V          int    `json:"v"`
	Expiration string `json:"expiration"`
	Nonce      uint32 `json:"nonce"`
}

// TransferRequest is the signed body of transfer_v1.
type TransferRequest struct {
	FromAccountID    string    `json:"from_account_id"`
	FromSubAccountID string    `json:"from_sub_account_id"`
	ToAccountID      string    `json:"to_account_id"`
	ToSubAccountID   string    `json:"to_sub_account_id"`
	Currency         string    `json:"currency"`
	NumTokens        string    `json:"num_tokens"`
	Signature        Signature `json:"signature"`
	TransferType     string    `json:"transfer_type"`
	TransferMetadata string    `json:"transfer_metadata"`
}

// TransferResult is the result body of transfer_v1.
type TransferResult struct {
	Ack  bool   `json:"ack"`
	TxID string `json:"tx_id,omitempty"`
}

// OrderLeg is one leg of a create_order payload. LimitPrice is nil for
// market orders.
type OrderLeg struct {
	Instrument    string  `json:"instrument"`
	Size          string  `json:"size"`
	LimitPrice    *string `json:"limit_price"`
	IsBuyingAsset bool    `json:"is_buying_asset"`
}

// OrderMetadata carries the client order id, which GRVT requires in the
// range [2^63, 2^64).
type OrderMetadata struct {
	ClientOrderID string `json:"client_order_id"`
}

// OrderPayload is the signed body of POST /full/v1/create_order.
type OrderPayload struct {
	SubAccountID string        `json:"sub_account_id"`
	IsMarket     bool          `json:"is_market"`
	TimeInForce  string        `json:"time_in_force"`
	PostOnly     bool          `json:"post_only"`
	ReduceOnly   bool          `json:"reduce_only"`
	Legs         []OrderLeg    `json:"legs"`
	Signature    Signature     `json:"signature"`
	Metadata     OrderMetadata `json:"metadata"`
}
