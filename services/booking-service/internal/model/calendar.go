package model

import "time"

// TokenSet is the OAuth material a creator granted for calendar access.
type TokenSet struct {
	CreatorID    string
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
	UpdatedAt    time.Time
}
