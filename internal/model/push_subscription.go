package model

import "time"

// PushSubscription holds the information for a browser push subscription.
// Cancellations and Failures select which notices the subscriber receives.
type PushSubscription struct {
	Endpoint      string    `gorm:"primaryKey" json:"endpoint"`
	P256DH        string    `gorm:"column:p256dh;not null" json:"p256dh"`
	Auth          string    `gorm:"not null" json:"auth"`
	Cancellations bool      `gorm:"not null" json:"cancellations"`
	Failures      bool      `gorm:"not null" json:"failures"`
	CreatedAt     time.Time `gorm:"not null" json:"createdAt"`
}
