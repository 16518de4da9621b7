package engine

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"satqueue/apierr"
	"satqueue/bidding"
	"satqueue/channels"
	"satqueue/lightning"
	"satqueue/models"
	"satqueue/region"
	"satqueue/storage"
)

// UploadParams describes a new order submission.
type UploadParams struct {
	Channel       int
	Bid           int64
	Message       io.Reader
	RegionNumbers []int
	// Admin uploads bypass the channel permission check; on channels that
	// do not require payment the order starts out paid with bid 0.
	Admin bool
}

// UploadResult is the outcome of a successful order creation.
type UploadResult struct {
	Order   *models.Order
	Invoice *models.Invoice
}

// CreateOrder stores the payload, creates the order and, on paid channels,
// issues the first invoice.
func (e *Engine) CreateOrder(ctx context.Context, p UploadParams) (*UploadResult, error) {
	ch, ok := e.channels.Lookup(p.Channel)
	if !ok {
		return nil, apierr.New(apierr.OrderChannelUnauthorizedOp, p.Channel)
	}
	if !p.Admin && !ch.HasPermission(channels.PermPost) {
		return nil, apierr.New(apierr.OrderChannelUnauthorizedOp, p.Channel)
	}

	for _, n := range p.RegionNumbers {
		if !region.ValidNumber(n) {
			return nil, apierr.New(apierr.RegionNotFound, n)
		}
	}
	// An empty region list encodes to zero, which means all regions.
	regionCode, err := region.EncodeNumbers(p.RegionNumbers)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	size, digest, err := e.msgs.Save(id, p.Message)
	if err != nil {
		return nil, err
	}
	cleanup := func() { _ = e.msgs.Delete(id) }

	if size < 1 {
		cleanup()
		return nil, apierr.New(apierr.MessageFileTooSmall, 1)
	}
	if size > ch.MaxMsgSize {
		cleanup()
		return nil, apierr.New(apierr.MessageFileTooLarge, float64(ch.MaxMsgSize)/1e6)
	}

	order := &models.Order{
		UUID:          id,
		Channel:       p.Channel,
		Status:        models.StatusPending,
		MessageSize:   size,
		MessageDigest: digest,
		RegionCode:    regionCode,
	}

	if !ch.RequiresPayment() {
		// Admin uploads on unpaid channels go straight into the queue.
		order.Status = models.StatusPaid
		if err := e.store.CreateOrder(order); err != nil {
			cleanup()
			return nil, err
		}
		e.countOrderCreated(p.Channel)
		if err := e.TxStart(p.Channel); err != nil {
			e.log.Error("tx start after admin upload failed", "channel", p.Channel, "err", err)
		}
		return &UploadResult{Order: order}, nil
	}

	if !e.bids.ValidBid(size, p.Bid) {
		cleanup()
		return nil, apierr.New(apierr.BidTooSmall, e.bids.MinBidFor(size))
	}
	if err := e.store.CreateOrder(order); err != nil {
		cleanup()
		return nil, err
	}
	invoice, err := e.NewInvoice(ctx, order, p.Bid)
	if err != nil {
		_ = e.store.DB().Delete(order).Error
		cleanup()
		return nil, err
	}
	e.countOrderCreated(p.Channel)

	if e.cfg.ForcePayment {
		if err := e.markInvoicePaid(invoice.ID); err != nil {
			e.log.Error("forced payment failed", "lid", invoice.LID, "err", err)
		}
	}
	return &UploadResult{Order: order, Invoice: invoice}, nil
}

// NewInvoice asks the issuer for an invoice over amountMsat, registers the
// payment webhook, and persists the invoice row. The row is persisted only
// when both issuer calls succeed.
func (e *Engine) NewInvoice(ctx context.Context, order *models.Order, amountMsat int64) (*models.Invoice, error) {
	inv, err := e.issuer.CreateInvoice(ctx, amountMsat,
		fmt.Sprintf("Satellite transmission %s", order.UUID),
		lightning.Metadata{UUID: order.UUID, MessageDigest: order.MessageDigest})
	if err != nil {
		e.log.Error("invoice creation failed", "order", order.UUID, "err", err)
		return nil, apierr.New(apierr.ChargeInvoiceError)
	}
	if err := e.issuer.RegisterWebhook(ctx, inv.ID, e.cfg.CallbackURL(inv.ID)); err != nil {
		e.log.Error("webhook registration failed", "lid", inv.ID, "err", err)
		return nil, apierr.New(apierr.ChargeWebhookError)
	}

	row := &models.Invoice{
		LID:       inv.ID,
		Raw:       string(inv.Raw),
		OrderID:   order.ID,
		Amount:    amountMsat,
		Status:    models.InvoicePending,
		ExpiresAt: e.now().Add(lightning.InvoiceExpiry),
	}
	err = e.store.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(row).Error; err != nil {
			return err
		}
		locked, err := storage.OrderForUpdate(tx, order.ID)
		if err != nil {
			return err
		}
		return e.adjustBids(tx, locked)
	})
	if err != nil {
		return nil, err
	}
	return row, nil
}

// PayInvoice handles the issuer's payment webhook: it authenticates the
// token, transitions the invoice to paid and advances the order.
func (e *Engine) PayInvoice(lid, token string) error {
	inv, err := e.store.InvoiceByLID(lid)
	if errors.Is(err, storage.ErrNotFound) {
		return apierr.New(apierr.InvoiceIDNotFound, lid)
	}
	if err != nil {
		return err
	}
	want := e.cfg.WebhookToken(lid)
	if subtle.ConstantTimeCompare([]byte(token), []byte(want)) != 1 {
		return apierr.New(apierr.InvalidAuthToken)
	}
	return e.markInvoicePaid(inv.ID)
}

// markInvoicePaid performs the pending->paid invoice transition and kicks
// the scheduler when the order advances.
func (e *Engine) markInvoicePaid(invoiceID uint) error {
	var channel int
	err := e.store.Transaction(func(tx *gorm.DB) error {
		inv, err := storage.InvoiceForUpdate(tx, invoiceID)
		if err != nil {
			return err
		}
		switch inv.Status {
		case models.InvoicePaid:
			return apierr.New(apierr.InvoiceAlreadyPaid)
		case models.InvoiceExpired:
			return apierr.New(apierr.InvoiceAlreadyExpired)
		}
		now := e.now()
		if err := tx.Model(inv).Updates(map[string]any{
			"status": models.InvoicePaid, "paid_at": now,
		}).Error; err != nil {
			return err
		}
		order, err := storage.OrderForUpdate(tx, inv.OrderID)
		if errors.Is(err, storage.ErrNotFound) {
			return apierr.New(apierr.OrphanedInvoice)
		}
		if err != nil {
			return err
		}
		if err := e.adjustBids(tx, order); err != nil {
			return err
		}
		if _, err := e.maybeMarkPaid(tx, order); err != nil {
			return err
		}
		channel = order.Channel
		return nil
	})
	if err != nil {
		return err
	}
	if e.obs != nil {
		e.obs.Metrics.InvoicesPaid.Inc()
	}
	if err := e.TxStart(channel); err != nil {
		e.log.Error("tx start after payment failed", "channel", channel, "err", err)
	}
	return nil
}

// adjustBids recomputes bid, unpaid_bid and bid_per_byte from the order's
// invoice rows. Runs inside tx with the order row locked.
func (e *Engine) adjustBids(tx *gorm.DB, order *models.Order) error {
	invoices, err := storage.OrderInvoices(tx, order.ID)
	if err != nil {
		return err
	}
	var paid, unpaid int64
	for _, inv := range invoices {
		switch inv.Status {
		case models.InvoicePaid:
			paid += inv.Amount
		case models.InvoicePending:
			unpaid += inv.Amount
		}
	}
	order.Bid = paid
	order.UnpaidBid = unpaid
	order.BidPerByte = bidding.PerByte(paid, order.MessageSize)
	return tx.Model(order).Updates(map[string]any{
		"bid":          order.Bid,
		"unpaid_bid":   order.UnpaidBid,
		"bid_per_byte": order.BidPerByte,
	}).Error
}

// maybeMarkPaid advances a pending order to paid once its paid bid clears
// the minimum.
func (e *Engine) maybeMarkPaid(tx *gorm.DB, order *models.Order) (bool, error) {
	if order.Status != models.StatusPending {
		return false, nil
	}
	if order.Bid < e.bids.MinBidFor(order.MessageSize) {
		return false, nil
	}
	if err := tx.Model(order).Update("status", models.StatusPaid).Error; err != nil {
		return false, err
	}
	order.Status = models.StatusPaid
	return true, nil
}

// maybeMarkExpired expires a pending order once no invoice can still pay
// for it. The caller deletes the payload after commit.
func (e *Engine) maybeMarkExpired(tx *gorm.DB, order *models.Order) (bool, error) {
	if order.Status != models.StatusPending {
		return false, nil
	}
	invoices, err := storage.OrderInvoices(tx, order.ID)
	if err != nil {
		return false, err
	}
	for _, inv := range invoices {
		if inv.Status == models.InvoicePending {
			return false, nil
		}
	}
	if err := tx.Model(order).Update("status", models.StatusExpired).Error; err != nil {
		return false, err
	}
	order.Status = models.StatusExpired
	return true, nil
}

// Cancel transitions the order to cancelled and removes its payload.
// Permitted only before transmission starts.
func (e *Engine) Cancel(orderID uint) error {
	var orderUUID string
	err := e.store.Transaction(func(tx *gorm.DB) error {
		order, err := storage.OrderForUpdate(tx, orderID)
		if err != nil {
			return err
		}
		if order.Status != models.StatusPending && order.Status != models.StatusPaid {
			return apierr.New(apierr.OrderCancellationError, order.Status)
		}
		orderUUID = order.UUID
		now := e.now()
		return tx.Model(order).Updates(map[string]any{
			"status": models.StatusCancelled, "cancelled_at": now,
		}).Error
	})
	if err != nil {
		return err
	}
	if err := e.msgs.Delete(orderUUID); err != nil {
		e.log.Error("payload delete after cancel failed", "order", orderUUID, "err", err)
	}
	return nil
}

// Bump raises an order's bid by issuing another invoice on it. Permitted
// only before transmission starts.
func (e *Engine) Bump(ctx context.Context, order *models.Order, bidIncrease int64) (*models.Invoice, error) {
	if order.Status != models.StatusPending && order.Status != models.StatusPaid {
		return nil, apierr.New(apierr.OrderBumpError, order.Status)
	}
	invoice, err := e.NewInvoice(ctx, order, bidIncrease)
	if err != nil {
		return nil, err
	}
	if e.cfg.ForcePayment {
		if err := e.markInvoicePaid(invoice.ID); err != nil {
			e.log.Error("forced payment failed", "lid", invoice.LID, "err", err)
		}
	}
	return invoice, nil
}

// TxConfirm records transmitter confirmations for the given region numbers
// and advances the order when the confirmation set suffices.
func (e *Engine) TxConfirm(seqNum int64, regionNumbers []int) error {
	ids := make([]int, 0, len(regionNumbers))
	for _, n := range regionNumbers {
		r, err := region.FromNumber(n)
		if err != nil {
			return apierr.New(apierr.RegionNotFound, n)
		}
		ids = append(ids, r.ID())
	}
	o, err := e.store.OrderBySeqNum(seqNum)
	if errors.Is(err, storage.ErrNotFound) {
		return apierr.New(apierr.SequenceNumberNotFound, seqNum)
	}
	if err != nil {
		return err
	}

	var freed, ended bool
	err = e.store.Transaction(func(tx *gorm.DB) error {
		order, err := storage.OrderForUpdate(tx, o.ID)
		if err != nil {
			return err
		}
		added, err := storage.AddTxConfirmations(tx, order.ID, false, ids...)
		if err != nil {
			return err
		}
		// Only a new confirmation releases the channel; duplicates must not
		// regress an order that is being retransmitted.
		if order.Status == models.StatusTransmitting && len(added) > 0 {
			if err := tx.Model(order).Update("status", models.StatusConfirming).Error; err != nil {
				return err
			}
			order.Status = models.StatusConfirming
			freed = true
		}
		sentNow, receivedNow, err := e.evaluateConfirmations(tx, order)
		if err != nil {
			return err
		}
		ended = sentNow || receivedNow
		return nil
	})
	if err != nil {
		return err
	}
	e.countConfirmation("tx")
	if ended {
		return e.TxEnd(o.ID)
	}
	if freed {
		return e.TxStart(o.Channel)
	}
	return nil
}

// RxConfirm records a receiver confirmation for one region and advances the
// order when the received criterion is met.
func (e *Engine) RxConfirm(seqNum int64, regionNumber int) error {
	r, err := region.FromNumber(regionNumber)
	if err != nil {
		return apierr.New(apierr.RegionNotFound, regionNumber)
	}
	o, err := e.store.OrderBySeqNum(seqNum)
	if errors.Is(err, storage.ErrNotFound) {
		return apierr.New(apierr.SequenceNumberNotFound, seqNum)
	}
	if err != nil {
		return err
	}

	var ended bool
	err = e.store.Transaction(func(tx *gorm.DB) error {
		order, err := storage.OrderForUpdate(tx, o.ID)
		if err != nil {
			return err
		}
		if _, err := storage.AddRxConfirmations(tx, order.ID, false, r.ID()); err != nil {
			return err
		}
		_, receivedNow, err := e.evaluateConfirmations(tx, order)
		if err != nil {
			return err
		}
		ended = receivedNow
		return nil
	})
	if err != nil {
		return err
	}
	e.countConfirmation("rx")
	if ended {
		return e.TxEnd(o.ID)
	}
	return nil
}

// evaluateConfirmations applies the sent and received criteria, in that
// order, inside tx with the order row locked. On the sent transition it
// synthesizes presumed Rx confirmations for regions without a receiver.
func (e *Engine) evaluateConfirmations(tx *gorm.DB, order *models.Order) (sentNow, receivedNow bool, err error) {
	orderIDs := region.DecodeIDs(order.RegionCode)

	if order.Status == models.StatusConfirming {
		txIDs, err := storage.ConfirmedTxRegionIDs(tx, order.ID)
		if err != nil {
			return false, false, err
		}
		if containsAll(txIDs, orderIDs) {
			if err := tx.Model(order).Update("status", models.StatusSent).Error; err != nil {
				return false, false, err
			}
			order.Status = models.StatusSent
			sentNow = true

			var presumed []int
			for _, r := range region.Unmonitored() {
				if contains(orderIDs, r.ID()) {
					presumed = append(presumed, r.ID())
				}
			}
			if len(presumed) > 0 {
				if _, err := storage.AddRxConfirmations(tx, order.ID, true, presumed...); err != nil {
					return false, false, err
				}
			}
		}
	}

	if order.Status == models.StatusSent {
		rxIDs, err := storage.ConfirmedRxRegionIDs(tx, order.ID)
		if err != nil {
			return sentNow, false, err
		}
		need := intersect(orderIDs, region.MonitoredRxIDs())
		if containsAll(rxIDs, need) {
			if err := tx.Model(order).Update("status", models.StatusReceived).Error; err != nil {
				return sentNow, false, err
			}
			order.Status = models.StatusReceived
			receivedNow = true
		}
	}
	return sentNow, receivedNow, nil
}

func (e *Engine) countOrderCreated(channel int) {
	if e.obs != nil {
		e.obs.Metrics.OrdersCreated.WithLabelValues(channelLabel(channel)).Inc()
	}
}

func (e *Engine) countConfirmation(kind string) {
	if e.obs != nil {
		e.obs.Metrics.ConfirmationsReceived.WithLabelValues(kind).Inc()
	}
}

func channelLabel(channel int) string {
	return fmt.Sprintf("%d", channel)
}

func contains(list []int, v int) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func containsAll(have, need []int) bool {
	for _, n := range need {
		if !contains(have, n) {
			return false
		}
	}
	return true
}

func intersect(a, b []int) []int {
	var out []int
	for _, x := range a {
		if contains(b, x) {
			out = append(out, x)
		}
	}
	return out
}
