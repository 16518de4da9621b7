package engine

import (
	"time"

	"gorm.io/gorm"

	"satqueue/models"
	"satqueue/storage"
)

const (
	pendingOrderTTL  = 24 * time.Hour
	payloadRetention = 31 * 24 * time.Hour
)

// RunHousekeeping performs one cleanup pass: expire overdue invoices,
// expire stale pending orders, and drop payload files of long-finished
// transmissions. Errors are logged, not returned; the next pass retries.
func (e *Engine) RunHousekeeping() {
	if err := e.ExpireUnpaidInvoices(); err != nil {
		e.log.Error("invoice expiry pass failed", "err", err)
	}
	if err := e.expireStalePendingOrders(); err != nil {
		e.log.Error("pending order expiry pass failed", "err", err)
	}
	if err := e.cleanupEndedPayloads(); err != nil {
		e.log.Error("payload cleanup pass failed", "err", err)
	}
}

// ExpireUnpaidInvoices expires every pending invoice past its expiry and
// expires owning orders left without a payable invoice.
func (e *Engine) ExpireUnpaidInvoices() error {
	invoices, err := e.store.ExpirablePendingInvoices(e.now())
	if err != nil {
		return err
	}
	for _, inv := range invoices {
		var expiredUUID string
		err := e.store.Transaction(func(tx *gorm.DB) error {
			locked, err := storage.InvoiceForUpdate(tx, inv.ID)
			if err != nil {
				return err
			}
			if locked.Status != models.InvoicePending {
				return nil
			}
			if err := tx.Model(locked).Update("status", models.InvoiceExpired).Error; err != nil {
				return err
			}
			order, err := storage.OrderForUpdate(tx, locked.OrderID)
			if err != nil {
				return err
			}
			if err := e.adjustBids(tx, order); err != nil {
				return err
			}
			expired, err := e.maybeMarkExpired(tx, order)
			if err != nil {
				return err
			}
			if expired {
				expiredUUID = order.UUID
			}
			return nil
		})
		if err != nil {
			e.log.Error("invoice expiry failed", "lid", inv.LID, "err", err)
			continue
		}
		if expiredUUID != "" {
			if err := e.msgs.Delete(expiredUUID); err != nil {
				e.log.Error("payload delete after expiry failed", "order", expiredUUID, "err", err)
			}
		}
	}
	return nil
}

// expireStalePendingOrders expires orders stuck in pending for more than a
// day and removes their payloads.
func (e *Engine) expireStalePendingOrders() error {
	orders, err := e.store.StalePendingOrders(e.now().Add(-pendingOrderTTL))
	if err != nil {
		return err
	}
	for _, o := range orders {
		var expiredUUID string
		err := e.store.Transaction(func(tx *gorm.DB) error {
			order, err := storage.OrderForUpdate(tx, o.ID)
			if err != nil {
				return err
			}
			if order.Status != models.StatusPending {
				return nil
			}
			if err := tx.Model(order).Update("status", models.StatusExpired).Error; err != nil {
				return err
			}
			expiredUUID = order.UUID
			return nil
		})
		if err != nil {
			e.log.Error("pending order expiry failed", "order", o.UUID, "err", err)
			continue
		}
		if expiredUUID != "" {
			if err := e.msgs.Delete(expiredUUID); err != nil {
				e.log.Error("payload delete after expiry failed", "order", expiredUUID, "err", err)
			}
		}
	}
	return nil
}

// cleanupEndedPayloads drops payload files for orders whose transmission
// ended more than the retention period ago. Order rows are kept.
func (e *Engine) cleanupEndedPayloads() error {
	orders, err := e.store.EndedOrdersBefore(e.now().Add(-payloadRetention))
	if err != nil {
		return err
	}
	for _, o := range orders {
		if !e.msgs.Exists(o.UUID) {
			continue
		}
		if err := e.msgs.Delete(o.UUID); err != nil {
			e.log.Error("payload cleanup failed", "order", o.UUID, "err", err)
		}
	}
	return nil
}
