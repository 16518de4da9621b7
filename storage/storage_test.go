package storage

import (
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"satqueue/models"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := Open(dsn)
	require.NoError(t, err)
	require.NoError(t, models.AutoMigrate(db))
	return New(db)
}

func makeOrder(t *testing.T, s *Store, status models.OrderStatus, channel int, bidPerByte float64) *models.Order {
	t.Helper()
	order := &models.Order{
		UUID:          uuid.NewString(),
		Channel:       channel,
		Status:        status,
		BidPerByte:    bidPerByte,
		MessageSize:   100,
		MessageDigest: "digest",
	}
	require.NoError(t, s.CreateOrder(order))
	return order
}

func TestOrderLookups(t *testing.T) {
	s := testStore(t)
	order := makeOrder(t, s, models.StatusPaid, 1, 1.5)

	got, err := s.OrderByUUID(order.UUID)
	require.NoError(t, err)
	require.Equal(t, order.ID, got.ID)

	_, err = s.OrderByUUID(uuid.NewString())
	require.ErrorIs(t, err, ErrNotFound)

	seq := int64(7)
	require.NoError(t, s.DB().Model(order).Updates(map[string]any{
		"tx_seq_num": seq, "status": models.StatusSent,
	}).Error)

	got, err = s.OrderBySeqNum(seq, models.StatusSent)
	require.NoError(t, err)
	require.Equal(t, order.ID, got.ID)

	_, err = s.OrderBySeqNum(seq, models.StatusTransmitting)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMaxTxSeqNum(t *testing.T) {
	s := testStore(t)
	max, err := MaxTxSeqNum(s.DB())
	require.NoError(t, err)
	require.Zero(t, max)

	a := makeOrder(t, s, models.StatusSent, 1, 1)
	b := makeOrder(t, s, models.StatusSent, 1, 1)
	for i, o := range []*models.Order{a, b} {
		seq := int64(i + 1)
		require.NoError(t, s.DB().Model(o).Update("tx_seq_num", seq).Error)
	}

	max, err = MaxTxSeqNum(s.DB())
	require.NoError(t, err)
	require.Equal(t, int64(2), max)
}

func TestBestPaidOrderPrefersHighestBidPerByte(t *testing.T) {
	s := testStore(t)
	makeOrder(t, s, models.StatusPaid, 1, 1.0)
	top := makeOrder(t, s, models.StatusPaid, 1, 3.0)
	makeOrder(t, s, models.StatusPaid, 1, 2.0)
	makeOrder(t, s, models.StatusPaid, 4, 9.0) // other channel
	makeOrder(t, s, models.StatusPending, 1, 9.0)

	err := s.Transaction(func(tx *gorm.DB) error {
		got, err := BestPaidOrder(tx, 1)
		require.NoError(t, err)
		require.Equal(t, top.ID, got.ID)
		return nil
	})
	require.NoError(t, err)

	err = s.Transaction(func(tx *gorm.DB) error {
		_, err := BestPaidOrder(tx, 3)
		require.ErrorIs(t, err, ErrNotFound)
		return nil
	})
	require.NoError(t, err)
}

func TestTransmittingOnChannel(t *testing.T) {
	s := testStore(t)
	makeOrder(t, s, models.StatusTransmitting, 4, 1)

	busy, err := TransmittingOnChannel(s.DB(), 4)
	require.NoError(t, err)
	require.True(t, busy)

	busy, err = TransmittingOnChannel(s.DB(), 1)
	require.NoError(t, err)
	require.False(t, busy)
}

func TestConfirmationsAppendOnce(t *testing.T) {
	s := testStore(t)
	order := makeOrder(t, s, models.StatusTransmitting, 1, 1)

	added, err := AddTxConfirmations(s.DB(), order.ID, false, 1, 2)
	require.NoError(t, err)
	require.Equal(t, []int{1, 2}, added)

	// A repeat plus one new region only appends the new one.
	added, err = AddTxConfirmations(s.DB(), order.ID, false, 2, 5)
	require.NoError(t, err)
	require.Equal(t, []int{5}, added)

	ids, err := ConfirmedTxRegionIDs(s.DB(), order.ID)
	require.NoError(t, err)
	require.Equal(t, []int{1, 2, 5}, ids)

	added, err = AddRxConfirmations(s.DB(), order.ID, true, 3)
	require.NoError(t, err)
	require.Equal(t, []int{3}, added)
	rx, err := s.RxConfirmations(order.ID)
	require.NoError(t, err)
	require.Len(t, rx, 1)
	require.True(t, rx[0].Presumed)
}

func TestLastTxConfirmationAt(t *testing.T) {
	s := testStore(t)
	order := makeOrder(t, s, models.StatusConfirming, 1, 1)

	at, err := LastTxConfirmationAt(s.DB(), order.ID)
	require.NoError(t, err)
	require.Nil(t, at)

	_, err = AddTxConfirmations(s.DB(), order.ID, false, 1)
	require.NoError(t, err)

	at, err = LastTxConfirmationAt(s.DB(), order.ID)
	require.NoError(t, err)
	require.NotNil(t, at)
	require.WithinDuration(t, time.Now(), *at, time.Minute)
}

func TestTxRetryUpsertAndDelete(t *testing.T) {
	s := testStore(t)
	order := makeOrder(t, s, models.StatusConfirming, 1, 1)

	require.NoError(t, UpsertTxRetry(s.DB(), order.ID, 3))
	retry, err := TxRetryByOrder(s.DB(), order.ID)
	require.NoError(t, err)
	require.Equal(t, 3, retry.RegionCode)
	require.True(t, retry.Pending)
	require.Zero(t, retry.RetryCount)

	// Simulate the scheduler having claimed the retry.
	require.NoError(t, s.DB().Model(retry).Updates(map[string]any{
		"pending": false, "retry_count": 1,
	}).Error)

	// Upsert refreshes the mask and re-arms pending, keeping the count.
	require.NoError(t, UpsertTxRetry(s.DB(), order.ID, 1))
	retry, err = TxRetryByOrder(s.DB(), order.ID)
	require.NoError(t, err)
	require.Equal(t, 1, retry.RegionCode)
	require.True(t, retry.Pending)
	require.Equal(t, 1, retry.RetryCount)

	ok, err := s.AnyPendingRetry()
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, DeleteTxRetry(s.DB(), order.ID))
	_, err = TxRetryByOrder(s.DB(), order.ID)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestBestPendingRetry(t *testing.T) {
	s := testStore(t)
	low := makeOrder(t, s, models.StatusConfirming, 1, 1.0)
	high := makeOrder(t, s, models.StatusConfirming, 1, 2.0)
	other := makeOrder(t, s, models.StatusConfirming, 4, 9.0)
	require.NoError(t, UpsertTxRetry(s.DB(), low.ID, 1))
	require.NoError(t, UpsertTxRetry(s.DB(), high.ID, 1))
	require.NoError(t, UpsertTxRetry(s.DB(), other.ID, 1))

	err := s.Transaction(func(tx *gorm.DB) error {
		retry, order, err := BestPendingRetry(tx, 1)
		require.NoError(t, err)
		require.Equal(t, high.ID, retry.OrderID)
		require.Equal(t, high.ID, order.ID)
		return nil
	})
	require.NoError(t, err)

	// Claimed retries are skipped.
	require.NoError(t, s.DB().Model(&models.TxRetry{}).
		Where("order_id = ?", high.ID).Update("pending", false).Error)
	err = s.Transaction(func(tx *gorm.DB) error {
		retry, _, err := BestPendingRetry(tx, 1)
		require.NoError(t, err)
		require.Equal(t, low.ID, retry.OrderID)
		return nil
	})
	require.NoError(t, err)
}

func TestListOrders(t *testing.T) {
	s := testStore(t)
	now := time.Now().UTC()

	pendingOld := makeOrder(t, s, models.StatusPending, 1, 1)
	pendingNew := makeOrder(t, s, models.StatusPending, 1, 1)
	require.NoError(t, s.DB().Model(pendingOld).Update("created_at", now.Add(-2*time.Hour)).Error)
	require.NoError(t, s.DB().Model(pendingNew).Update("created_at", now.Add(-time.Hour)).Error)

	paid := makeOrder(t, s, models.StatusPaid, 1, 2.0)
	transmitting := makeOrder(t, s, models.StatusTransmitting, 1, 5.0)
	confirming := makeOrder(t, s, models.StatusConfirming, 4, 3.0)
	require.NoError(t, s.DB().Model(transmitting).Update("started_transmission_at", now).Error)
	require.NoError(t, s.DB().Model(confirming).Update("started_transmission_at", now).Error)

	sent := makeOrder(t, s, models.StatusSent, 1, 1)
	received := makeOrder(t, s, models.StatusReceived, 1, 1)
	require.NoError(t, s.DB().Model(sent).Update("ended_transmission_at", now.Add(-time.Minute)).Error)
	require.NoError(t, s.DB().Model(received).Update("ended_transmission_at", now).Error)

	require.NoError(t, UpsertTxRetry(s.DB(), confirming.ID, 1))

	// pending sorts newest first.
	got, err := s.ListOrders(FetchPending, ListOptions{})
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, pendingNew.ID, got[0].ID)

	// before window on created_at.
	got, err = s.ListOrders(FetchPending, ListOptions{Before: timePtr(now.Add(-90 * time.Minute))})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, pendingOld.ID, got[0].ID)

	// after window.
	got, err = s.ListOrders(FetchPending, ListOptions{After: timePtr(now.Add(-90 * time.Minute))})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, pendingNew.ID, got[0].ID)

	// queued spans paid, transmitting and confirming, by bid_per_byte desc.
	got, err = s.ListOrders(FetchQueued, ListOptions{})
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Equal(t, transmitting.ID, got[0].ID)
	require.Equal(t, confirming.ID, got[1].ID)
	require.Equal(t, paid.ID, got[2].ID)

	// channel filter.
	ch := 4
	got, err = s.ListOrders(FetchQueued, ListOptions{Channel: &ch})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, confirming.ID, got[0].ID)

	// legacy sent view includes received orders, newest ended first.
	got, err = s.ListOrders(FetchSent, ListOptions{})
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, received.ID, got[0].ID)

	// rx-pending is strictly status sent.
	got, err = s.ListOrders(FetchRxPending, ListOptions{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, sent.ID, got[0].ID)

	// retransmitting follows the retry table.
	got, err = s.ListOrders(FetchRetransmitting, ListOptions{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, confirming.ID, got[0].ID)

	// limit clamps.
	got, err = s.ListOrders(FetchQueued, ListOptions{Limit: 1})
	require.NoError(t, err)
	require.Len(t, got, 1)
}

func TestParseFetchState(t *testing.T) {
	for _, valid := range []string{
		"pending", "paid", "transmitting", "confirming", "queued",
		"sent", "rx-pending", "received", "retransmitting",
	} {
		_, ok := ParseFetchState(valid)
		require.True(t, ok, valid)
	}
	_, ok := ParseFetchState("bogus")
	require.False(t, ok)
}

func timePtr(t time.Time) *time.Time { return &t }
