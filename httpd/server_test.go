package httpd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"satqueue/bidding"
	"satqueue/broker"
	"satqueue/channels"
	"satqueue/config"
	"satqueue/engine"
	"satqueue/lightning"
	"satqueue/models"
	"satqueue/msgstore"
	"satqueue/storage"
)

type stubIssuer struct {
	mu sync.Mutex
	n  int
}

func (f *stubIssuer) CreateInvoice(_ context.Context, amountMsat int64, _ string, _ lightning.Metadata) (*lightning.Invoice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.n++
	id := fmt.Sprintf("lid-%d", f.n)
	raw := fmt.Sprintf(`{"id":%q,"msatoshi":"%d","payreq":"lnbc-%s"}`, id, amountMsat, id)
	return &lightning.Invoice{ID: id, PayReq: "lnbc-" + id, Raw: json.RawMessage(raw)}, nil
}

func (f *stubIssuer) RegisterWebhook(context.Context, string, string) error { return nil }

type stubNodeInfo struct {
	fail bool
}

func (n *stubNodeInfo) Info(context.Context) (json.RawMessage, error) {
	if n.fail {
		return nil, errors.New("charge down")
	}
	return json.RawMessage(`{"id":"node-1"}`), nil
}

type testServer struct {
	srv    *httptest.Server
	cfg    *config.Config
	store  *storage.Store
	brk    *broker.Memory
	node   *stubNodeInfo
	engine *engine.Engine
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	t.Setenv("ENV", "test")
	t.Setenv("CHARGE_API_TOKEN", "apitoken")
	t.Setenv("FORCE_PAYMENT", "false")
	cfg, err := config.FromEnv()
	require.NoError(t, err)

	db, err := storage.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()))
	require.NoError(t, err)
	require.NoError(t, models.AutoMigrate(db))
	store := storage.New(db)

	msgs, err := msgstore.New(t.TempDir())
	require.NoError(t, err)
	brk := broker.NewMemory()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	eng := engine.New(engine.Options{
		Store:    store,
		Messages: msgs,
		Issuer:   &stubIssuer{},
		Broker:   brk,
		Channels: channels.Default(),
		Bidding:  bidding.Params{MinBid: cfg.MinBid, MinPerByteBid: cfg.MinPerByteBid},
		Config:   cfg,
		Logger:   logger,
	})

	node := &stubNodeInfo{}
	server := NewServer(Options{
		Engine:   eng,
		Config:   cfg,
		NodeInfo: node,
		Logger:   logger,
	})
	srv := httptest.NewServer(server.Router())
	t.Cleanup(srv.Close)
	return &testServer{srv: srv, cfg: cfg, store: store, brk: brk, node: node, engine: eng}
}

func multipartBody(t *testing.T, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func (ts *testServer) upload(t *testing.T, path string, fields map[string]string) map[string]any {
	t.Helper()
	body, ct := multipartBody(t, fields)
	resp, err := http.Post(ts.srv.URL+path, ct, body)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func decodeAPIError(t *testing.T, resp *http.Response) (string, int) {
	t.Helper()
	var out struct {
		Message string `json:"message"`
		Errors  []struct {
			Code int `json:"code"`
		} `json:"errors"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	code := 0
	if len(out.Errors) > 0 {
		code = out.Errors[0].Code
	}
	return out.Message, code
}

func TestUploadAndFetchOrder(t *testing.T) {
	ts := newTestServer(t)

	out := ts.upload(t, "/order", map[string]string{
		"bid":     "2000",
		"message": "hello world",
		"regions": "[0,1]",
	})
	orderUUID := out["uuid"].(string)
	token := out["auth_token"].(string)
	require.NotEmpty(t, orderUUID)
	require.Equal(t, ts.cfg.UserAuthToken(orderUUID), token)
	require.Contains(t, out, "lightning_invoice")

	// Auth via query parameter.
	resp, err := http.Get(ts.srv.URL + "/order/" + orderUUID + "?auth_token=" + url.QueryEscape(token))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var view struct {
		UUID   string `json:"uuid"`
		Status string `json:"status"`
		Bid    int64  `json:"bid"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&view))
	require.Equal(t, orderUUID, view.UUID)
	require.Equal(t, "pending", view.Status)
	require.Zero(t, view.Bid)

	// Auth via header.
	req, _ := http.NewRequest(http.MethodGet, ts.srv.URL+"/order/"+orderUUID, nil)
	req.Header.Set("X-Auth-Token", token)
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp2.Body.Close()
	require.Equal(t, http.StatusOK, resp2.StatusCode)

	// Wrong token.
	resp3, err := http.Get(ts.srv.URL + "/order/" + orderUUID + "?auth_token=wrong")
	require.NoError(t, err)
	defer resp3.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp3.StatusCode)
	_, code := decodeAPIError(t, resp3)
	require.Equal(t, 109, code)
}

func TestUploadValidationErrors(t *testing.T) {
	ts := newTestServer(t)

	body, ct := multipartBody(t, map[string]string{"bid": "2000"})
	resp, err := http.Post(ts.srv.URL+"/order", ct, body)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	_, code := decodeAPIError(t, resp)
	require.Equal(t, 126, code)

	body, ct = multipartBody(t, map[string]string{"bid": "10", "message": "m"})
	resp2, err := http.Post(ts.srv.URL+"/order", ct, body)
	require.NoError(t, err)
	defer resp2.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp2.StatusCode)
	_, code = decodeAPIError(t, resp2)
	require.Equal(t, 102, code)

	body, ct = multipartBody(t, map[string]string{"bid": "2000", "message": "m", "regions": "[9]"})
	resp3, err := http.Post(ts.srv.URL+"/order", ct, body)
	require.NoError(t, err)
	defer resp3.Body.Close()
	require.Equal(t, http.StatusNotFound, resp3.StatusCode)
	_, code = decodeAPIError(t, resp3)
	require.Equal(t, 115, code)
}

func TestOrderNotFound(t *testing.T) {
	ts := newTestServer(t)
	resp, err := http.Get(ts.srv.URL + "/order/" + uuid.NewString() + "?auth_token=x")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	_, code := decodeAPIError(t, resp)
	require.Equal(t, 104, code)
}

func TestDeleteOrder(t *testing.T) {
	ts := newTestServer(t)
	out := ts.upload(t, "/order", map[string]string{"bid": "2000", "message": "to delete"})
	orderUUID := out["uuid"].(string)
	token := out["auth_token"].(string)

	req, _ := http.NewRequest(http.MethodDelete, ts.srv.URL+"/order/"+orderUUID, nil)
	req.Header.Set("X-Auth-Token", token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	o, err := ts.store.OrderByUUID(orderUUID)
	require.NoError(t, err)
	require.Equal(t, models.StatusCancelled, o.Status)

	// Cancelling again fails with the lifecycle error.
	resp2, err := http.DefaultClient.Do(req.Clone(req.Context()))
	require.NoError(t, err)
	defer resp2.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp2.StatusCode)
	_, code := decodeAPIError(t, resp2)
	require.Equal(t, 120, code)
}

func TestBumpOrder(t *testing.T) {
	ts := newTestServer(t)
	out := ts.upload(t, "/order", map[string]string{"bid": "2000", "message": "bump me"})
	orderUUID := out["uuid"].(string)
	token := out["auth_token"].(string)

	form := url.Values{"bid_increase": {"500"}, "auth_token": {token}}
	resp, err := http.Post(ts.srv.URL+"/order/"+orderUUID+"/bump",
		"application/x-www-form-urlencoded", strings.NewReader(form.Encode()))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var bumped map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&bumped))
	require.Contains(t, bumped, "lightning_invoice")

	o, err := ts.store.OrderByUUID(orderUUID)
	require.NoError(t, err)
	require.Equal(t, int64(2500), o.UnpaidBid)

	// Garbage increase is a coercion error.
	form = url.Values{"bid_increase": {"lots"}, "auth_token": {token}}
	resp2, err := http.Post(ts.srv.URL+"/order/"+orderUUID+"/bump",
		"application/x-www-form-urlencoded", strings.NewReader(form.Encode()))
	require.NoError(t, err)
	defer resp2.Body.Close()
	_, code := decodeAPIError(t, resp2)
	require.Equal(t, 2, code)
}

func TestPaymentCallback(t *testing.T) {
	ts := newTestServer(t)
	out := ts.upload(t, "/order", map[string]string{"bid": "2000", "message": "pay me"})
	orderUUID := out["uuid"].(string)

	var invoice struct {
		ID string `json:"id"`
	}
	raw, err := json.Marshal(out["lightning_invoice"])
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &invoice))

	// Bad token is rejected.
	resp, err := http.Post(ts.srv.URL+"/callback/"+invoice.ID+"/badtoken", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// The registered webhook token pays the invoice and starts transmission.
	resp2, err := http.Post(ts.srv.URL+"/callback/"+invoice.ID+"/"+ts.cfg.WebhookToken(invoice.ID), "", nil)
	require.NoError(t, err)
	resp2.Body.Close()
	require.Equal(t, http.StatusOK, resp2.StatusCode)

	o, err := ts.store.OrderByUUID(orderUUID)
	require.NoError(t, err)
	require.Equal(t, models.StatusTransmitting, o.Status)

	// Unknown invoice id.
	resp3, err := http.Post(ts.srv.URL+"/callback/nope/"+ts.cfg.WebhookToken("nope"), "", nil)
	require.NoError(t, err)
	defer resp3.Body.Close()
	require.Equal(t, http.StatusNotFound, resp3.StatusCode)
	_, code := decodeAPIError(t, resp3)
	require.Equal(t, 112, code)
}

func TestConfirmationRoutesAndMessageFetch(t *testing.T) {
	ts := newTestServer(t)
	out := ts.upload(t, "/order", map[string]string{
		"bid": "2000", "message": "on the air", "regions": "[0,1]",
	})
	orderUUID := out["uuid"].(string)

	var invoice struct {
		ID string `json:"id"`
	}
	raw, _ := json.Marshal(out["lightning_invoice"])
	require.NoError(t, json.Unmarshal(raw, &invoice))
	resp, err := http.Post(ts.srv.URL+"/callback/"+invoice.ID+"/"+ts.cfg.WebhookToken(invoice.ID), "", nil)
	require.NoError(t, err)
	resp.Body.Close()

	// The transmitter pulls the payload by sequence number.
	resp2, err := http.Get(ts.srv.URL + "/message/1")
	require.NoError(t, err)
	payload, err := io.ReadAll(resp2.Body)
	resp2.Body.Close()
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp2.StatusCode)
	require.Equal(t, "on the air", string(payload))

	// Unknown sequence number.
	resp3, err := http.Get(ts.srv.URL + "/message/99")
	require.NoError(t, err)
	resp3.Body.Close()
	require.Equal(t, http.StatusNotFound, resp3.StatusCode)

	// Tx confirmations for both regions complete the transmission.
	form := url.Values{"regions": {"[0,1]"}}
	resp4, err := http.Post(ts.srv.URL+"/order/tx/1",
		"application/x-www-form-urlencoded", strings.NewReader(form.Encode()))
	require.NoError(t, err)
	resp4.Body.Close()
	require.Equal(t, http.StatusOK, resp4.StatusCode)

	o, err := ts.store.OrderByUUID(orderUUID)
	require.NoError(t, err)
	require.Equal(t, models.StatusSent, o.Status)

	// Rx confirmations for the two monitored regions mark it received.
	for _, n := range []string{"0", "1"} {
		form := url.Values{"region": {n}}
		resp, err := http.Post(ts.srv.URL+"/order/rx/1",
			"application/x-www-form-urlencoded", strings.NewReader(form.Encode()))
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}
	o, err = ts.store.OrderByUUID(orderUUID)
	require.NoError(t, err)
	require.Equal(t, models.StatusReceived, o.Status)
}

func TestAdminTwins(t *testing.T) {
	ts := newTestServer(t)

	// Admin upload on an unpaid channel needs no bid and starts transmitting.
	out := ts.upload(t, "/admin/order", map[string]string{
		"channel": "4", "message": "gossip payload",
	})
	orderUUID := out["uuid"].(string)
	require.NotContains(t, out, "lightning_invoice")

	// The admin view carries channel, regions and confirmations without a
	// token.
	resp, err := http.Get(ts.srv.URL + "/admin/order/" + orderUUID)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var view struct {
		Channel int    `json:"channel"`
		Regions []int  `json:"regions"`
		Status  string `json:"status"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&view))
	require.Equal(t, 4, view.Channel)
	require.Equal(t, []int{0, 1, 2, 3, 4, 5}, view.Regions)
	require.Equal(t, "transmitting", view.Status)

	// The public surface refuses user posts on the same channel.
	body, ct := multipartBody(t, map[string]string{"channel": "4", "message": "x", "bid": "2000"})
	resp2, err := http.Post(ts.srv.URL+"/order", ct, body)
	require.NoError(t, err)
	defer resp2.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp2.StatusCode)
	_, code := decodeAPIError(t, resp2)
	require.Equal(t, 130, code)
}

func TestListOrders(t *testing.T) {
	ts := newTestServer(t)
	ts.upload(t, "/order", map[string]string{"bid": "2000", "message": "one"})
	ts.upload(t, "/order", map[string]string{"bid": "2000", "message": "two"})

	resp, err := http.Get(ts.srv.URL + "/orders/pending")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var views []map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&views))
	require.Len(t, views, 2)

	// Unknown state.
	resp2, err := http.Get(ts.srv.URL + "/orders/limbo")
	require.NoError(t, err)
	resp2.Body.Close()
	require.Equal(t, http.StatusNotFound, resp2.StatusCode)

	// Mutually exclusive window parameters.
	resp3, err := http.Get(ts.srv.URL + "/orders/pending?before=2026-01-01T00:00:00Z&before_delta=60")
	require.NoError(t, err)
	resp3.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp3.StatusCode)

	// Limit bounds.
	resp4, err := http.Get(ts.srv.URL + "/orders/pending?limit=0")
	require.NoError(t, err)
	resp4.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp4.StatusCode)

	resp5, err := http.Get(ts.srv.URL + "/orders/pending?limit=101")
	require.NoError(t, err)
	resp5.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp5.StatusCode)

	// A relative window in the future excludes everything.
	resp6, err := http.Get(ts.srv.URL + "/orders/pending?before_delta=3600")
	require.NoError(t, err)
	defer resp6.Body.Close()
	var empty []map[string]any
	require.NoError(t, json.NewDecoder(resp6.Body).Decode(&empty))
	require.Empty(t, empty)

	// Channel filter validation.
	resp7, err := http.Get(ts.srv.URL + "/orders/pending?channel=2")
	require.NoError(t, err)
	resp7.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp7.StatusCode)
}

func TestSentMessageDevRoute(t *testing.T) {
	ts := newTestServer(t)
	out := ts.upload(t, "/admin/order", map[string]string{"channel": "4", "message": "dev peek"})
	orderUUID := out["uuid"].(string)

	resp, err := http.Get(ts.srv.URL + "/order/" + orderUUID + "/sent_message")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	payload, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, "dev peek", string(payload))
}

func TestNodeInfo(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.srv.URL + "/info")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.JSONEq(t, `{"id":"node-1"}`, string(body))

	ts.node.fail = true
	resp2, err := http.Get(ts.srv.URL + "/info")
	require.NoError(t, err)
	defer resp2.Body.Close()
	require.Equal(t, http.StatusInternalServerError, resp2.StatusCode)
	_, code := decodeAPIError(t, resp2)
	require.Equal(t, 128, code)
}
