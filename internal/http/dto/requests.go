package dto

// Amounts travel as decimal strings in base units.

type CreateEscrowRequest struct {
	AssetID int64  `json:"asset_id"`
	Buyer   string `json:"buyer"`
	Price   string `json:"price"`
}

type DepositRequest struct {
	Amount string `json:"amount"`
}

type CreateListingRequest struct {
	AssetID int64  `json:"asset_id"`
	Price   string `json:"price"`
}

type BuyRequest struct {
	Payment string `json:"payment"`
}
