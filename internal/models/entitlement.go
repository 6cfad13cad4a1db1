package models

import "time"

// Subscription is the access grant resulting from a settled subscription
// payment. One row per (creator, subscriber); renewals extend
// CurrentPeriodEnd.
type Subscription struct {
	CreatorID        string    `json:"creator_id" db:"creator_id"`
	SubscriberID     string    `json:"subscriber_id" db:"subscriber_id"`
	Status           string    `json:"status" db:"status"`
	CurrentPeriodEnd time.Time `json:"current_period_end" db:"current_period_end"`
	UpdatedAt        time.Time `json:"updated_at" db:"updated_at"`
}

// Purchase is a pay-per-view unlock, unique per (purchaser, content item) so
// replayed payment events never re-grant.
type Purchase struct {
	PurchaserID string    `json:"purchaser_id" db:"purchaser_id"`
	ContentID   string    `json:"content_id" db:"content_id"`
	Reference   string    `json:"reference" db:"reference"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}
