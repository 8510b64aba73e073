package models

import "github.com/Cogwheel-Validator/spectra-clamm/clamm/pricing"

// Request and response messages of clamm.v1.DeskService. Amounts are decimal
// strings in base units unless the field name says Display.

type ListStrikesRequest struct {
	// Refresh re-derives the chain from the pool before listing.
	Refresh bool `json:"refresh,omitempty"`
}

type StrikeView struct {
	Index              int    `json:"index"`
	TickLower          int    `json:"tickLower"`
	TickUpper          int    `json:"tickUpper"`
	Price              string `json:"price"`
	IsCall             bool   `json:"isCall"`
	Token              string `json:"token"`
	AvailableLiquidity string `json:"availableLiquidity,omitempty"`
	Selected           bool   `json:"selected"`
	Error              string `json:"error,omitempty"`
}

type ListStrikesResponse struct {
	Mode    Mode         `json:"mode"`
	TTL     uint64       `json:"ttl"`
	Phase   string       `json:"phase"`
	Strikes []StrikeView `json:"strikes"`
}

type StrikeRequest struct {
	Index int `json:"index"`
}

type SelectionResponse struct {
	Selected []int `json:"selected"`
}

type SwitchSideRequest struct {
	Mode Mode `json:"mode"`
}

type SwitchSideResponse struct {
	Mode Mode `json:"mode"`
}

type SetTTLRequest struct {
	TTL uint64 `json:"ttl"`
}

type SetTTLResponse struct {
	TTL uint64 `json:"ttl"`
}

type SetAmountRequest struct {
	Index  int    `json:"index"`
	Amount string `json:"amount"`
}

type SetAmountResponse struct {
	Phase string `json:"phase"`
}

type Empty struct{}

type IntentView struct {
	StrikeIndex int    `json:"strikeIndex"`
	Mode        Mode   `json:"mode"`
	IsCall      bool   `json:"isCall"`
	TickLower   int    `json:"tickLower"`
	TickUpper   int    `json:"tickUpper"`
	Amount      string `json:"amount"`
	Token       string `json:"token"`
	Premium     string `json:"premium"`
	Fee         string `json:"fee"`
	Liquidity   string `json:"liquidity"`
	Recipient   string `json:"recipient"`
	Calldata    string `json:"calldata"`
}

type ListIntentsResponse struct {
	Phase   string         `json:"phase"`
	Intents []IntentView   `json:"intents"`
	Errors  map[int]string `json:"errors,omitempty"`
}

type TotalView struct {
	Symbol        string `json:"symbol"`
	Amount        string `json:"amount"`
	AmountDisplay string `json:"amountDisplay"`
	Fee           string `json:"fee"`
	FeeDisplay    string `json:"feeDisplay"`
}

type CostSummaryResponse struct {
	FeeMultiplier string      `json:"feeMultiplier"`
	Totals        []TotalView `json:"totals"`
}

type ApprovalView struct {
	Token     string `json:"token"`
	Symbol    string `json:"symbol"`
	Spender   string `json:"spender"`
	Required  string `json:"required"`
	Allowance string `json:"allowance"`
}

type ApprovalsResponse struct {
	Approvals []ApprovalView `json:"approvals"`
}

type ApproveRequest struct {
	Token string `json:"token"`
}

type ApproveResponse struct {
	Hashes []string `json:"hashes"`
}

type SubmitResponse struct {
	ID        string `json:"id"`
	Hash      string `json:"hash"`
	Intents   int    `json:"intents"`
	Multicall bool   `json:"multicall"`
	Block     uint64 `json:"block,omitempty"`
}

type BalancesRequest struct {
	Refresh bool `json:"refresh,omitempty"`
}

type BalanceView struct {
	Token   string `json:"token"`
	Symbol  string `json:"symbol"`
	Balance string `json:"balance"`
	Display string `json:"display"`
}

type BalancesResponse struct {
	Account   string      `json:"account"`
	Call      BalanceView `json:"call"`
	Put       BalanceView `json:"put"`
	Version   uint64      `json:"version"`
	UpdatedAt int64       `json:"updatedAt"`
}

type PositionsResponse struct {
	Buy []pricing.BuyPosition `json:"buy"`
	LP  []pricing.LPPosition  `json:"lp"`
}

type DelegatesResponse struct {
	Delegates []pricing.Delegate `json:"delegates"`
}
