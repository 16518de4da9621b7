package engine

import (
	"errors"
	"time"

	"gorm.io/gorm"

	"satqueue/bidding"
	"satqueue/models"
	"satqueue/region"
	"satqueue/storage"
)

// RefreshRetransmissions evaluates every in-flight order against the
// timeout rules and arms a retransmission for those that stalled. When any
// retransmission is pending afterwards, the scheduler is kicked on every
// channel. Per-order failures are logged and do not stop the pass.
func (e *Engine) RefreshRetransmissions() error {
	orders, err := e.store.InFlightOrders()
	if err != nil {
		return err
	}
	for i := range orders {
		if err := e.refreshOrder(&orders[i]); err != nil {
			e.log.Error("retransmission check failed", "order", orders[i].UUID, "err", err)
		}
	}

	pending, err := e.store.AnyPendingRetry()
	if err != nil {
		return err
	}
	if pending {
		e.TxStartAll()
	}
	return nil
}

// refreshOrder applies the three timeout rules to one order and upserts its
// retry row when one fires.
func (e *Engine) refreshOrder(o *models.Order) error {
	ch, ok := e.channels.Lookup(o.Channel)
	if !ok {
		return nil
	}
	timeout := ch.TxConfirmTimeout
	delay := time.Duration((bidding.OTALen(o.MessageSize)+ch.TxRate-1)/ch.TxRate) * time.Second
	total := delay + timeout
	now := e.now()

	lastConf, err := storage.LastTxConfirmationAt(e.store.DB(), o.ID)
	if err != nil {
		return err
	}
	retry, err := storage.TxRetryByOrder(e.store.DB(), o.ID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}

	fired := false
	switch {
	case o.Status == models.StatusConfirming && lastConf != nil && now.After(lastConf.Add(timeout)):
		fired = true
	case retry != nil && retry.RetryCount > 0 && retry.LastAttempt != nil && now.After(retry.LastAttempt.Add(total)):
		fired = true
	case o.Status == models.StatusTransmitting && lastConf == nil &&
		o.StartedTransmissionAt != nil && now.After(o.StartedTransmissionAt.Add(total)):
		fired = true
	}
	if !fired {
		return nil
	}

	return e.store.Transaction(func(tx *gorm.DB) error {
		order, err := storage.OrderForUpdate(tx, o.ID)
		if err != nil {
			return err
		}
		if order.Status != models.StatusTransmitting && order.Status != models.StatusConfirming {
			return nil
		}
		// A stalled transmitting order gives the channel back before the
		// retransmission is queued.
		if order.Status == models.StatusTransmitting {
			if err := tx.Model(order).Update("status", models.StatusConfirming).Error; err != nil {
				return err
			}
			order.Status = models.StatusConfirming
		}

		confirmed, err := storage.ConfirmedTxRegionIDs(tx, order.ID)
		if err != nil {
			return err
		}
		var missing []int
		for _, id := range region.DecodeIDs(order.RegionCode) {
			if !contains(confirmed, id) {
				missing = append(missing, id)
			}
		}
		if len(missing) == 0 {
			return nil
		}
		mask, err := region.EncodeIDs(missing)
		if err != nil {
			return err
		}
		return storage.UpsertTxRetry(tx, order.ID, mask)
	})
}
