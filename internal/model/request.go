package model

// PurchaseRequest asks for Quantity tickets in the open pool of Tier.
type PurchaseRequest struct {
	RequestID string `json:"request_id,omitempty"`
	UserID    int64  `json:"user_id"`
	Tier      string `json:"tier"`
	Quantity  int    `json:"quantity"`
}
