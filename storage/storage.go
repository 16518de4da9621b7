// Package storage implements the relational order store. All state
// transitions run inside database transactions with row locks so that the
// scheduler's read-verify-write sequences are atomic.
package storage

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"satqueue/models"
)

// ErrNotFound is returned by lookups that match no row.
var ErrNotFound = errors.New("storage: not found")

// Open connects to the database named by url. Postgres URLs get the
// postgres driver; anything else is treated as a sqlite DSN.
func Open(url string) (*gorm.DB, error) {
	cfg := &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)}
	var (
		db  *gorm.DB
		err error
	)
	if strings.HasPrefix(url, "postgres://") || strings.HasPrefix(url, "postgresql://") {
		db, err = gorm.Open(postgres.Open(url), cfg)
	} else {
		db, err = gorm.Open(sqlite.Open(url), cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return db, nil
}

// Store wraps the gorm handle with the queries the engine and the HTTP
// surface need.
type Store struct {
	db *gorm.DB
}

// New builds a Store over an open database handle.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for transaction composition.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Transaction runs fn inside a database transaction.
func (s *Store) Transaction(fn func(tx *gorm.DB) error) error {
	return s.db.Transaction(fn)
}

func translate(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

// CreateOrder inserts a new order row.
func (s *Store) CreateOrder(order *models.Order) error {
	return s.db.Create(order).Error
}

// OrderByUUID returns the order with the given UUID.
func (s *Store) OrderByUUID(uuid string) (*models.Order, error) {
	var order models.Order
	if err := s.db.Where("uuid = ?", uuid).First(&order).Error; err != nil {
		return nil, translate(err)
	}
	return &order, nil
}

// OrderBySeqNum returns the order with the given transmit sequence number,
// restricted to the supplied statuses when any are given.
func (s *Store) OrderBySeqNum(seqNum int64, statuses ...models.OrderStatus) (*models.Order, error) {
	q := s.db.Where("tx_seq_num = ?", seqNum)
	if len(statuses) > 0 {
		q = q.Where("status IN ?", statuses)
	}
	var order models.Order
	if err := q.First(&order).Error; err != nil {
		return nil, translate(err)
	}
	return &order, nil
}

// OrderForUpdate rereads the order row under a row lock, inside tx.
func OrderForUpdate(tx *gorm.DB, id uint) (*models.Order, error) {
	var order models.Order
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		First(&order).Error
	if err != nil {
		return nil, translate(err)
	}
	return &order, nil
}

// InvoiceByLID returns the invoice with the given external id.
func (s *Store) InvoiceByLID(lid string) (*models.Invoice, error) {
	var inv models.Invoice
	if err := s.db.Where("lid = ?", lid).First(&inv).Error; err != nil {
		return nil, translate(err)
	}
	return &inv, nil
}

// InvoiceForUpdate rereads the invoice row under a row lock, inside tx.
func InvoiceForUpdate(tx *gorm.DB, id uint) (*models.Invoice, error) {
	var inv models.Invoice
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		First(&inv).Error
	if err != nil {
		return nil, translate(err)
	}
	return &inv, nil
}

// OrderInvoices lists the invoices belonging to the order.
func OrderInvoices(tx *gorm.DB, orderID uint) ([]models.Invoice, error) {
	var invoices []models.Invoice
	if err := tx.Where("order_id = ?", orderID).Find(&invoices).Error; err != nil {
		return nil, err
	}
	return invoices, nil
}

// MaxTxSeqNum returns the largest assigned sequence number, or 0 when none
// has been assigned yet. Runs inside tx so the subsequent assignment stays
// atomic with the read.
func MaxTxSeqNum(tx *gorm.DB) (int64, error) {
	var max *int64
	err := tx.Model(&models.Order{}).
		Select("MAX(tx_seq_num)").
		Scan(&max).Error
	if err != nil {
		return 0, err
	}
	if max == nil {
		return 0, nil
	}
	return *max, nil
}

// TransmittingOnChannel reports whether some order on the channel is
// currently transmitting. Runs inside the scheduler transaction.
func TransmittingOnChannel(tx *gorm.DB, channel int) (bool, error) {
	var n int64
	err := tx.Model(&models.Order{}).
		Where("channel = ? AND status = ?", channel, models.StatusTransmitting).
		Count(&n).Error
	return n > 0, err
}

// BestPaidOrder picks the paid order on the channel with the highest bid
// per byte, locking the row. Returns ErrNotFound when the channel queue is
// empty.
func BestPaidOrder(tx *gorm.DB, channel int) (*models.Order, error) {
	var order models.Order
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("channel = ? AND status = ?", channel, models.StatusPaid).
		Order("bid_per_byte DESC, id ASC").
		First(&order).Error
	if err != nil {
		return nil, translate(err)
	}
	return &order, nil
}

// BestPendingRetry picks the pending retransmission on the channel whose
// order has the highest bid per byte. Returns the retry row and its order.
func BestPendingRetry(tx *gorm.DB, channel int) (*models.TxRetry, *models.Order, error) {
	var retry models.TxRetry
	err := tx.Joins("JOIN orders ON orders.id = tx_retries.order_id").
		Where("tx_retries.pending = ? AND orders.channel = ?", true, channel).
		Order("orders.bid_per_byte DESC, tx_retries.id ASC").
		First(&retry).Error
	if err != nil {
		return nil, nil, translate(err)
	}
	order, err := OrderForUpdate(tx, retry.OrderID)
	if err != nil {
		return nil, nil, err
	}
	return &retry, order, nil
}

// TxRetryByOrder returns the order's retransmission row if one exists.
func TxRetryByOrder(tx *gorm.DB, orderID uint) (*models.TxRetry, error) {
	var retry models.TxRetry
	if err := tx.Where("order_id = ?", orderID).First(&retry).Error; err != nil {
		return nil, translate(err)
	}
	return &retry, nil
}

// UpsertTxRetry inserts or refreshes the retransmission row for the order,
// setting the missing-region mask and marking it pending. The retry count
// is preserved across upserts; it is bumped only when the scheduler
// actually starts a retransmission.
func UpsertTxRetry(tx *gorm.DB, orderID uint, regionCode int) error {
	retry, err := TxRetryByOrder(tx, orderID)
	switch {
	case errors.Is(err, ErrNotFound):
		return tx.Create(&models.TxRetry{
			OrderID:    orderID,
			RegionCode: regionCode,
			Pending:    true,
		}).Error
	case err != nil:
		return err
	}
	return tx.Model(retry).Updates(map[string]any{
		"region_code": regionCode,
		"pending":     true,
	}).Error
}

// DeleteTxRetry removes the order's retransmission row if present.
func DeleteTxRetry(tx *gorm.DB, orderID uint) error {
	return tx.Where("order_id = ?", orderID).Delete(&models.TxRetry{}).Error
}

// AnyPendingRetry reports whether any pending retransmission exists.
func (s *Store) AnyPendingRetry() (bool, error) {
	var n int64
	err := s.db.Model(&models.TxRetry{}).Where("pending = ?", true).Count(&n).Error
	return n > 0, err
}

// confirmation is satisfied by both confirmation tables so the append and
// scan logic can be written once.
type confirmation interface {
	models.TxConfirmation | models.RxConfirmation
}

func addConfirmations[T confirmation](tx *gorm.DB, build func(regionID int) T, orderID uint, regionIDs []int) ([]int, error) {
	existing, err := confirmedRegionIDs[T](tx, orderID)
	if err != nil {
		return nil, err
	}
	seen := make(map[int]bool, len(existing))
	for _, id := range existing {
		seen[id] = true
	}
	var added []int
	for _, id := range regionIDs {
		if seen[id] {
			continue
		}
		row := build(id)
		if err := tx.Create(&row).Error; err != nil {
			return nil, err
		}
		seen[id] = true
		added = append(added, id)
	}
	return added, nil
}

func confirmedRegionIDs[T confirmation](tx *gorm.DB, orderID uint) ([]int, error) {
	var model T
	var ids []int
	err := tx.Model(&model).
		Where("order_id = ?", orderID).
		Order("region_id ASC").
		Pluck("region_id", &ids).Error
	return ids, err
}

// AddTxConfirmations appends Tx confirmations for the given region ids,
// skipping regions already confirmed. Returns the region ids actually added.
func AddTxConfirmations(tx *gorm.DB, orderID uint, presumed bool, regionIDs ...int) ([]int, error) {
	return addConfirmations(tx, func(regionID int) models.TxConfirmation {
		return models.TxConfirmation{OrderID: orderID, RegionID: regionID, Presumed: presumed}
	}, orderID, regionIDs)
}

// AddRxConfirmations appends Rx confirmations for the given region ids,
// skipping regions already confirmed. Returns the region ids actually added.
func AddRxConfirmations(tx *gorm.DB, orderID uint, presumed bool, regionIDs ...int) ([]int, error) {
	return addConfirmations(tx, func(regionID int) models.RxConfirmation {
		return models.RxConfirmation{OrderID: orderID, RegionID: regionID, Presumed: presumed}
	}, orderID, regionIDs)
}

// ConfirmedTxRegionIDs lists the region ids with a Tx confirmation for the
// order, ascending.
func ConfirmedTxRegionIDs(tx *gorm.DB, orderID uint) ([]int, error) {
	return confirmedRegionIDs[models.TxConfirmation](tx, orderID)
}

// ConfirmedRxRegionIDs lists the region ids with an Rx confirmation for the
// order, ascending.
func ConfirmedRxRegionIDs(tx *gorm.DB, orderID uint) ([]int, error) {
	return confirmedRegionIDs[models.RxConfirmation](tx, orderID)
}

// LastTxConfirmationAt returns the most recent Tx confirmation time for the
// order, or nil when none exists.
func LastTxConfirmationAt(tx *gorm.DB, orderID uint) (*time.Time, error) {
	var conf models.TxConfirmation
	err := tx.Where("order_id = ?", orderID).
		Order("created_at DESC, id DESC").
		First(&conf).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	t := conf.CreatedAt
	return &t, nil
}

// TxConfirmations lists the order's Tx confirmations.
func (s *Store) TxConfirmations(orderID uint) ([]models.TxConfirmation, error) {
	var confs []models.TxConfirmation
	err := s.db.Where("order_id = ?", orderID).Order("region_id ASC").Find(&confs).Error
	return confs, err
}

// RxConfirmations lists the order's Rx confirmations.
func (s *Store) RxConfirmations(orderID uint) ([]models.RxConfirmation, error) {
	var confs []models.RxConfirmation
	err := s.db.Where("order_id = ?", orderID).Order("region_id ASC").Find(&confs).Error
	return confs, err
}

// InFlightOrders lists the orders in transmitting or confirming state, the
// population the retransmission controller evaluates.
func (s *Store) InFlightOrders() ([]models.Order, error) {
	var orders []models.Order
	err := s.db.Where("status IN ?", []models.OrderStatus{
		models.StatusTransmitting, models.StatusConfirming,
	}).Order("id ASC").Find(&orders).Error
	return orders, err
}

// ExpirablePendingInvoices lists pending invoices whose expiry has passed.
func (s *Store) ExpirablePendingInvoices(now time.Time) ([]models.Invoice, error) {
	var invoices []models.Invoice
	err := s.db.Where("status = ? AND expires_at < ?", models.InvoicePending, now).
		Find(&invoices).Error
	return invoices, err
}

// StalePendingOrders lists pending orders created before the cutoff.
func (s *Store) StalePendingOrders(cutoff time.Time) ([]models.Order, error) {
	var orders []models.Order
	err := s.db.Where("status = ? AND created_at < ?", models.StatusPending, cutoff).
		Find(&orders).Error
	return orders, err
}

// EndedOrdersBefore lists orders whose transmission ended before the cutoff.
func (s *Store) EndedOrdersBefore(cutoff time.Time) ([]models.Order, error) {
	var orders []models.Order
	err := s.db.Where("ended_transmission_at IS NOT NULL AND ended_transmission_at < ?", cutoff).
		Find(&orders).Error
	return orders, err
}
