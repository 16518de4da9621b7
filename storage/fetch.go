package storage

import (
	"time"

	"satqueue/models"
)

// FetchState names one of the public order listing views.
type FetchState string

// All fetch states served by the listing endpoints.
const (
	FetchPending        FetchState = "pending"
	FetchPaid           FetchState = "paid"
	FetchTransmitting   FetchState = "transmitting"
	FetchConfirming     FetchState = "confirming"
	FetchQueued         FetchState = "queued"
	FetchSent           FetchState = "sent"
	FetchRxPending      FetchState = "rx-pending"
	FetchReceived       FetchState = "received"
	FetchRetransmitting FetchState = "retransmitting"
)

// ParseFetchState validates a state path segment.
func ParseFetchState(s string) (FetchState, bool) {
	switch FetchState(s) {
	case FetchPending, FetchPaid, FetchTransmitting, FetchConfirming,
		FetchQueued, FetchSent, FetchRxPending, FetchReceived,
		FetchRetransmitting:
		return FetchState(s), true
	}
	return "", false
}

const (
	// DefaultListLimit applies when the client gives no limit.
	DefaultListLimit = 20
	// MaxListLimit caps the page size.
	MaxListLimit = 100
)

// ListOptions filters and pages a fetch-state query. Before and After apply
// to the state's sort column.
type ListOptions struct {
	Channel *int
	Before  *time.Time
	After   *time.Time
	Limit   int
}

// sortColumn returns the timestamp column each state sorts (and windows) on.
// The queued view sorts on bid_per_byte instead but still windows on
// created_at.
func (st FetchState) sortColumn() string {
	switch st {
	case FetchPending, FetchPaid, FetchQueued:
		return "created_at"
	case FetchTransmitting, FetchConfirming, FetchRetransmitting:
		return "started_transmission_at"
	default:
		return "ended_transmission_at"
	}
}

// ListOrders runs the fetch-state query. The legacy sent view returns every
// order whose transmission has ended, received included.
func (s *Store) ListOrders(state FetchState, opts ListOptions) ([]models.Order, error) {
	q := s.db.Model(&models.Order{})

	switch state {
	case FetchPending:
		q = q.Where("orders.status = ?", models.StatusPending)
	case FetchPaid:
		q = q.Where("orders.status = ?", models.StatusPaid)
	case FetchTransmitting:
		q = q.Where("orders.status = ?", models.StatusTransmitting)
	case FetchConfirming:
		q = q.Where("orders.status = ?", models.StatusConfirming)
	case FetchQueued:
		q = q.Where("orders.status IN ?", []models.OrderStatus{
			models.StatusPaid, models.StatusTransmitting, models.StatusConfirming,
		})
	case FetchSent:
		q = q.Where("orders.ended_transmission_at IS NOT NULL")
	case FetchRxPending:
		q = q.Where("orders.status = ?", models.StatusSent)
	case FetchReceived:
		q = q.Where("orders.status = ?", models.StatusReceived)
	case FetchRetransmitting:
		q = q.Joins("JOIN tx_retries ON tx_retries.order_id = orders.id")
	}

	if opts.Channel != nil {
		q = q.Where("orders.channel = ?", *opts.Channel)
	}

	col := "orders." + state.sortColumn()
	if opts.Before != nil {
		q = q.Where(col+" < ?", *opts.Before)
	}
	if opts.After != nil {
		q = q.Where(col+" > ?", *opts.After)
	}

	if state == FetchQueued {
		q = q.Order("orders.bid_per_byte DESC")
	} else {
		q = q.Order(col + " DESC")
	}
	q = q.Order("orders.id DESC")

	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}

	var orders []models.Order
	if err := q.Limit(limit).Find(&orders).Error; err != nil {
		return nil, err
	}
	return orders, nil
}
