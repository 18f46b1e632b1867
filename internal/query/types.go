package query

import "time"

// Amounts in responses are base-10 strings in native token units; LTVs and
// fees are WAD-scaled (1e18 = 100%).

// PositionResponse represents a position for API queries.
type PositionResponse struct {
	User                        string     `json:"user"`
	PositionID                  uint64     `json:"position_id"`
	Open                        bool       `json:"open"`
	Pair                        string     `json:"pair"`
	CollateralToken             string     `json:"collateral_token"`
	LoanToken                   string     `json:"loan_token"`
	Proxy                       string     `json:"proxy"`
	AmountCollateral            string     `json:"amount_collateral"`
	AmountLeveragedCollateral   string     `json:"amount_leveraged_collateral"`
	SharesBorrowed              string     `json:"shares_borrowed"`
	AmountCollateralInLoanToken string     `json:"amount_collateral_in_loan_token"`
	DebtAssets                  string     `json:"debt_assets,omitempty"` // Derived at query time, open positions only
	OpenedAt                    time.Time  `json:"opened_at"`
	ClosedAt                    *time.Time `json:"closed_at,omitempty"`
}

// MarketResponse describes a pair enabled for leverage.
type MarketResponse struct {
	ID              string `json:"id"`
	Pair            string `json:"pair"`
	CollateralToken string `json:"collateral_token"`
	LoanToken       string `json:"loan_token"`
	Oracle          string `json:"oracle"`
	LoanDecimals    uint8  `json:"loan_decimals"`
	Lltv            string `json:"lltv"`
	MaxLtv          string `json:"max_ltv"`
}

// ConfigResponse is the engine's protocol configuration.
type ConfigResponse struct {
	Engine        string `json:"engine"`
	Owner         string `json:"owner"`
	Treasury      string `json:"treasury"`
	YieldFee      string `json:"yield_fee"`
	RecoveryMode  bool   `json:"recovery_mode"`
	OpenPositions int    `json:"open_positions"`
	EventSequence uint64 `json:"event_sequence"`
	EventHash     string `json:"event_hash"` // Chain tip, hex
}

// QuoteResponse is the flash loan a leverage request would take right now.
type QuoteResponse struct {
	FlashLoanAmount string `json:"flash_loan_amount"`
}

// SettlementResponse is a persisted close.
type SettlementResponse struct {
	EventID         string    `json:"event_id"`
	PositionID      uint64    `json:"position_id"`
	LoanToken       string    `json:"loan_token"`
	FlashLoanAmount string    `json:"flash_loan_amount"`
	TotalReturned   string    `json:"total_returned"`
	Yield           string    `json:"yield"`
	Fee             string    `json:"fee"`
	UserAmount      string    `json:"user_amount"`
	SettledAt       time.Time `json:"settled_at"`
	EventSequence   uint64    `json:"event_sequence"`
	EventHash       string    `json:"event_hash"`
}

// PairStatsResponse is the projected activity of one pair.
type PairStatsResponse struct {
	Pair            string `json:"pair"`
	Opened          uint64 `json:"opened"`
	Closed          uint64 `json:"closed"`
	Open            uint64 `json:"open"`
	FlashVolume     string `json:"flash_volume"`
	FeesCollected   string `json:"fees_collected"`
	ReturnedToUsers string `json:"returned_to_users"`
}
