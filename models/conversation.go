package models

import (
	"errors"
	"time"
)

// Conversation is a two-participant thread anchored to an optional listing.
type Conversation struct {
	ID        string    `json:"id"`
	BuyerID   string    `json:"buyer_id"`
	SellerID  string    `json:"seller_id"`
	ProductID *string   `json:"product_id"` // Nil once the listing is unlinked
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"` // Touched on every successful send
}

// IsParticipant reports whether userID is the buyer or the seller.
func (c *Conversation) IsParticipant(userID string) bool {
	return userID != "" && (userID == c.BuyerID || userID == c.SellerID)
}

// Counterpart returns the participant that is not userID.
func (c *Conversation) Counterpart(userID string) (string, bool) {
	switch userID {
	case c.BuyerID:
		return c.SellerID, true
	case c.SellerID:
		return c.BuyerID, true
	}
	return "", false
}

// Validate checks the two-distinct-participants invariant.
func (c *Conversation) Validate() error {
	if c.BuyerID == "" || c.SellerID == "" {
		return errors.New("conversation requires both a buyer and a seller")
	}
	if c.BuyerID == c.SellerID {
		return errors.New("conversation participants must be distinct")
	}
	return nil
}

// Profile is the public view of a user.
type Profile struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	FullName  string `json:"full_name"`
	AvatarURL string `json:"avatar_url"`
}

// Listing is the marketplace product a conversation is about.
type Listing struct {
	ID       string  `json:"id"`
	Title    string  `json:"title"`
	Price    float64 `json:"price"`
	ImageURL string  `json:"image_url"`
	SellerID string  `json:"seller_id"`
}
