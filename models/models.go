// Package models defines the persistent entities of the broadcast queue.
package models

import (
	"time"

	"gorm.io/gorm"
)

// OrderStatus represents a state in the order lifecycle.
type OrderStatus string

// All order states.
const (
	StatusPending      OrderStatus = "pending"
	StatusPaid         OrderStatus = "paid"
	StatusTransmitting OrderStatus = "transmitting"
	StatusConfirming   OrderStatus = "confirming"
	StatusSent         OrderStatus = "sent"
	StatusReceived     OrderStatus = "received"
	StatusCancelled    OrderStatus = "cancelled"
	StatusExpired      OrderStatus = "expired"
)

// InvoiceStatus represents a state in the invoice lifecycle.
type InvoiceStatus string

// All invoice states.
const (
	InvoicePending InvoiceStatus = "pending"
	InvoicePaid    InvoiceStatus = "paid"
	InvoiceExpired InvoiceStatus = "expired"
)

// Order is a paid message-transmission request. The payload itself lives in
// the message store, keyed by UUID; the row carries its size and digest.
type Order struct {
	ID   uint   `gorm:"primaryKey" json:"-"`
	UUID string `gorm:"size:36;uniqueIndex;not null" json:"uuid"`

	// TxSeqNum is assigned when the order first enters transmitting and is
	// globally unique and monotonic across all channels. NULL until then.
	TxSeqNum *int64 `gorm:"uniqueIndex" json:"tx_seq_num"`

	Channel int         `gorm:"not null;default:1;index" json:"channel"`
	Status  OrderStatus `gorm:"size:16;index;not null" json:"status"`

	// Bid is the sum of paid invoice amounts in millisatoshis; UnpaidBid the
	// sum of pending ones. BidPerByte = Bid / ota_len(MessageSize) and is
	// stored because it is the scheduler's sort key.
	Bid        int64   `gorm:"not null;default:0" json:"bid"`
	UnpaidBid  int64   `gorm:"not null;default:0" json:"unpaid_bid"`
	BidPerByte float64 `gorm:"not null;default:0;index" json:"bid_per_byte"`

	MessageSize   int64  `gorm:"not null" json:"message_size"`
	MessageDigest string `gorm:"size:64;not null" json:"message_digest"`

	// RegionCode is the bitmask of requested regions; 0 means all regions.
	RegionCode int `gorm:"not null;default:0" json:"-"`

	CreatedAt             time.Time  `json:"created_at"`
	CancelledAt           *time.Time `json:"cancelled_at"`
	StartedTransmissionAt *time.Time `gorm:"index" json:"started_transmission_at"`
	EndedTransmissionAt   *time.Time `gorm:"index" json:"ended_transmission_at"`

	Invoices        []Invoice        `gorm:"foreignKey:OrderID" json:"-"`
	TxConfirmations []TxConfirmation `gorm:"foreignKey:OrderID" json:"-"`
	RxConfirmations []RxConfirmation `gorm:"foreignKey:OrderID" json:"-"`
	TxRetry         *TxRetry         `gorm:"foreignKey:OrderID" json:"-"`
}

// Invoice is a Lightning invoice issued against an order. Raw holds the
// serialized invoice exactly as returned by the issuer.
type Invoice struct {
	ID      uint   `gorm:"primaryKey"`
	LID     string `gorm:"column:lid;size:100;index;not null"`
	Raw     string `gorm:"column:invoice;size:1024;not null"`
	OrderID uint   `gorm:"index;not null"`

	Amount int64         `gorm:"not null"`
	Status InvoiceStatus `gorm:"size:16;index;not null"`

	ExpiresAt time.Time `gorm:"not null"`
	PaidAt    *time.Time
	CreatedAt time.Time
}

// TxConfirmation records that a region's transmitter reported sending the
// order. Unique per (order, region).
type TxConfirmation struct {
	ID        uint `gorm:"primaryKey"`
	OrderID   uint `gorm:"not null;index:idx_tx_conf_order_region,unique"`
	RegionID  int  `gorm:"not null;index:idx_tx_conf_order_region,unique"`
	Presumed  bool `gorm:"not null;default:false"`
	CreatedAt time.Time
}

// RxConfirmation records that a region's monitoring receiver reported
// receiving the order. Presumed rows are synthesized for regions without a
// receiver. Unique per (order, region).
type RxConfirmation struct {
	ID        uint `gorm:"primaryKey"`
	OrderID   uint `gorm:"not null;index:idx_rx_conf_order_region,unique"`
	RegionID  int  `gorm:"not null;index:idx_rx_conf_order_region,unique"`
	Presumed  bool `gorm:"not null;default:false"`
	CreatedAt time.Time
}

// TxRetry tracks an order awaiting retransmission. RegionCode is the subset
// of regions still missing a Tx confirmation. Pending is cleared while the
// scheduler is actively retransmitting the order.
type TxRetry struct {
	ID          uint `gorm:"primaryKey"`
	OrderID     uint `gorm:"uniqueIndex;not null"`
	RegionCode  int  `gorm:"not null;default:0"`
	RetryCount  int  `gorm:"not null;default:0"`
	LastAttempt *time.Time
	Pending     bool `gorm:"not null;default:true"`
	CreatedAt   time.Time
}

// AutoMigrate performs all schema migrations for the service.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Order{},
		&Invoice{},
		&TxConfirmation{},
		&RxConfirmation{},
		&TxRetry{},
	)
}
