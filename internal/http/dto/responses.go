package dto

// ErrorResponse carries the domain error code. CurrentState is the recorded state for
// state conflicts; TxRef the ledger or operation reference when one exists.
type ErrorResponse struct {
	Error        string `json:"error"`
	Code         string `json:"code,omitempty"`
	CurrentState string `json:"current_state,omitempty"`
	TxRef        string `json:"tx_ref,omitempty"`
	Retryable    bool   `json:"retryable,omitempty"`
	RequestID    string `json:"request_id,omitempty"`
}

type SuccessResponse struct {
	OK   bool `json:"ok"`
	Data any  `json:"data,omitempty"`
}

type UnreadCountResponse struct {
	Unread int `json:"unread"`
}

type SettlementMetaResponse struct {
	FeeBPS             int64  `json:"fee_bps"`
	FundedCancelPolicy string `json:"funded_cancel_policy"`
	LedgerBackend      string `json:"ledger_backend"`
	Operator           string `json:"operator"`
}
