package httpd

import (
	"errors"
	"time"

	"satqueue/models"
	"satqueue/region"
	"satqueue/storage"
)

// orderView is the public JSON rendering of an order. The region mask and
// channel stay private on the user surface.
type orderView struct {
	UUID                  string     `json:"uuid"`
	Bid                   int64      `json:"bid"`
	UnpaidBid             int64      `json:"unpaid_bid"`
	BidPerByte            float64    `json:"bid_per_byte"`
	MessageSize           int64      `json:"message_size"`
	MessageDigest         string     `json:"message_digest"`
	Status                string     `json:"status"`
	TxSeqNum              *int64     `json:"tx_seq_num"`
	CreatedAt             time.Time  `json:"created_at"`
	CancelledAt           *time.Time `json:"cancelled_at"`
	StartedTransmissionAt *time.Time `json:"started_transmission_at"`
	EndedTransmissionAt   *time.Time `json:"ended_transmission_at"`
}

func makeOrderView(o *models.Order) orderView {
	return orderView{
		UUID:                  o.UUID,
		Bid:                   o.Bid,
		UnpaidBid:             o.UnpaidBid,
		BidPerByte:            o.BidPerByte,
		MessageSize:           o.MessageSize,
		MessageDigest:         o.MessageDigest,
		Status:                string(o.Status),
		TxSeqNum:              o.TxSeqNum,
		CreatedAt:             o.CreatedAt,
		CancelledAt:           o.CancelledAt,
		StartedTransmissionAt: o.StartedTransmissionAt,
		EndedTransmissionAt:   o.EndedTransmissionAt,
	}
}

type confirmationView struct {
	RegionID  int       `json:"region_id"`
	Presumed  bool      `json:"presumed"`
	CreatedAt time.Time `json:"created_at"`
}

type retryView struct {
	Regions     []int      `json:"regions"`
	RetryCount  int        `json:"retry_count"`
	LastAttempt *time.Time `json:"last_attempt"`
	Pending     bool       `json:"pending"`
}

// adminOrderView adds the operator-only fields: channel, requested regions
// and the confirmation and retransmission records.
type adminOrderView struct {
	orderView
	Channel         int                `json:"channel"`
	Regions         []int              `json:"regions"`
	TxConfirmations []confirmationView `json:"tx_confirmations"`
	RxConfirmations []confirmationView `json:"rx_confirmations"`
	Retransmission  *retryView         `json:"retransmission"`
}

func (s *Server) makeAdminOrderView(o *models.Order) (adminOrderView, error) {
	view := adminOrderView{
		orderView: makeOrderView(o),
		Channel:   o.Channel,
		Regions:   region.DecodeNumbers(o.RegionCode),
	}

	txConfs, err := s.engine.Store().TxConfirmations(o.ID)
	if err != nil {
		return view, err
	}
	for _, c := range txConfs {
		view.TxConfirmations = append(view.TxConfirmations, confirmationView{
			RegionID: c.RegionID, Presumed: c.Presumed, CreatedAt: c.CreatedAt,
		})
	}
	rxConfs, err := s.engine.Store().RxConfirmations(o.ID)
	if err != nil {
		return view, err
	}
	for _, c := range rxConfs {
		view.RxConfirmations = append(view.RxConfirmations, confirmationView{
			RegionID: c.RegionID, Presumed: c.Presumed, CreatedAt: c.CreatedAt,
		})
	}

	retry, err := storage.TxRetryByOrder(s.engine.Store().DB(), o.ID)
	switch {
	case err == nil:
		view.Retransmission = &retryView{
			Regions:     region.DecodeNumbers(retry.RegionCode),
			RetryCount:  retry.RetryCount,
			LastAttempt: retry.LastAttempt,
			Pending:     retry.Pending,
		}
	case !errors.Is(err, storage.ErrNotFound):
		return view, err
	}
	return view, nil
}
