package engine

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"

	"satqueue/models"
	"satqueue/region"
	"satqueue/storage"
)

// isDuplicateSeqNum reports whether err is the unique-index violation raised
// when two schedulers assign the same tx_seq_num. gorm translates it on some
// drivers; the raw postgres and sqlite messages are matched otherwise.
func isDuplicateSeqNum(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	if !strings.Contains(msg, "tx_seq_num") {
		return false
	}
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate")
}

// announcement is the payload published on a channel topic when a
// transmission starts or an order reaches a terminal transmit state. For
// retransmissions Regions carries only the regions still missing a Tx
// confirmation.
type announcement struct {
	UUID                  string     `json:"uuid"`
	TxSeqNum              *int64     `json:"tx_seq_num"`
	Status                string     `json:"status"`
	Channel               int        `json:"channel"`
	MessageSize           int64      `json:"message_size"`
	MessageDigest         string     `json:"message_digest"`
	Regions               []int      `json:"regions"`
	CreatedAt             time.Time  `json:"created_at"`
	StartedTransmissionAt *time.Time `json:"started_transmission_at"`
	EndedTransmissionAt   *time.Time `json:"ended_transmission_at"`
}

func makeAnnouncement(order *models.Order, regionCode int) announcement {
	return announcement{
		UUID:                  order.UUID,
		TxSeqNum:              order.TxSeqNum,
		Status:                string(order.Status),
		Channel:               order.Channel,
		MessageSize:           order.MessageSize,
		MessageDigest:         order.MessageDigest,
		Regions:               region.DecodeNumbers(regionCode),
		CreatedAt:             order.CreatedAt,
		StartedTransmissionAt: order.StartedTransmissionAt,
		EndedTransmissionAt:   order.EndedTransmissionAt,
	}
}

// TxStart runs the scheduler for one channel: if the channel is idle, it
// picks the best paid order (assigning the next sequence number) or, when
// the paid queue is empty, the best pending retransmission, flips it to
// transmitting and announces it. The selection and the state flip run in
// one transaction so concurrent invocations produce at most one winner.
func (e *Engine) TxStart(channel int) error {
	err := e.txStart(channel)
	if isDuplicateSeqNum(err) {
		// Lost the sequence number to a concurrent start on another
		// channel. The next number is free again, so one more attempt
		// suffices.
		err = e.txStart(channel)
	}
	return err
}

func (e *Engine) txStart(channel int) error {
	var (
		started    *models.Order
		regionCode int
		isRetry    bool
	)
	err := e.store.Transaction(func(tx *gorm.DB) error {
		busy, err := storage.TransmittingOnChannel(tx, channel)
		if err != nil || busy {
			return err
		}

		order, err := storage.BestPaidOrder(tx, channel)
		if err == nil {
			// The busy check above ran before this row lock was taken; a
			// concurrent start may have committed while we waited on the
			// lock. Under read committed only a fresh statement sees that
			// commit, so re-check before flipping the order.
			busy, err := storage.TransmittingOnChannel(tx, channel)
			if err != nil || busy {
				return err
			}
			maxSeq, err := storage.MaxTxSeqNum(tx)
			if err != nil {
				return err
			}
			seq := maxSeq + 1
			now := e.now()
			if err := tx.Model(order).Updates(map[string]any{
				"tx_seq_num":              seq,
				"status":                  models.StatusTransmitting,
				"started_transmission_at": now,
			}).Error; err != nil {
				return err
			}
			order.TxSeqNum = &seq
			order.Status = models.StatusTransmitting
			order.StartedTransmissionAt = &now
			started = order
			regionCode = order.RegionCode
			return nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return err
		}

		retry, order, err := storage.BestPendingRetry(tx, channel)
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if busy, err = storage.TransmittingOnChannel(tx, channel); err != nil || busy {
			return err
		}
		now := e.now()
		if err := tx.Model(order).Update("status", models.StatusTransmitting).Error; err != nil {
			return err
		}
		if err := tx.Model(retry).Updates(map[string]any{
			"retry_count":  retry.RetryCount + 1,
			"last_attempt": now,
			"pending":      false,
		}).Error; err != nil {
			return err
		}
		order.Status = models.StatusTransmitting
		started = order
		regionCode = retry.RegionCode
		isRetry = true
		return nil
	})
	if err != nil || started == nil {
		return err
	}

	if e.obs != nil {
		if isRetry {
			e.obs.Metrics.Retransmissions.WithLabelValues(channelLabel(channel)).Inc()
		} else {
			e.obs.Metrics.TransmissionsStarted.WithLabelValues(channelLabel(channel)).Inc()
		}
	}
	e.publish(started, regionCode)
	return nil
}

// TxStartAll runs the scheduler over every configured channel. Called on
// service start and after a retransmission pass.
func (e *Engine) TxStartAll() {
	for _, id := range e.channels.IDs() {
		if err := e.TxStart(id); err != nil {
			e.log.Error("tx start failed", "channel", id, "err", err)
		}
	}
}

// TxEnd finishes an order's transmission: stamps ended_transmission_at once,
// drops its retry row, announces the final state and frees the channel.
func (e *Engine) TxEnd(orderID uint) error {
	var order *models.Order
	err := e.store.Transaction(func(tx *gorm.DB) error {
		o, err := storage.OrderForUpdate(tx, orderID)
		if err != nil {
			return err
		}
		if o.EndedTransmissionAt == nil {
			now := e.now()
			if err := tx.Model(o).Update("ended_transmission_at", now).Error; err != nil {
				return err
			}
			o.EndedTransmissionAt = &now
		}
		if err := storage.DeleteTxRetry(tx, o.ID); err != nil {
			return err
		}
		order = o
		return nil
	})
	if err != nil {
		return err
	}

	if e.obs != nil {
		e.obs.Metrics.TransmissionsEnded.WithLabelValues(channelLabel(order.Channel)).Inc()
	}
	e.publish(order, order.RegionCode)
	return e.TxStart(order.Channel)
}

// publish announces the order on its channel topic. Failures are logged
// only: the retransmission controller heals lost announcements.
func (e *Engine) publish(order *models.Order, regionCode int) {
	ch, ok := e.channels.Lookup(order.Channel)
	if !ok {
		return
	}
	payload, err := json.Marshal(makeAnnouncement(order, regionCode))
	if err != nil {
		e.log.Error("announcement encode failed", "order", order.UUID, "err", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.broker.Publish(ctx, ch.Name, payload); err != nil {
		e.log.Error("publish failed", "topic", ch.Name, "order", order.UUID, "err", err)
		if e.obs != nil {
			e.obs.Metrics.PublishFailures.WithLabelValues(ch.Name).Inc()
		}
	}
}
