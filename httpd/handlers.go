package httpd

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"satqueue/apierr"
	"satqueue/channels"
	"satqueue/engine"
	"satqueue/models"
	"satqueue/storage"
)

const maxTextMessageLen = 1024

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func badRequest(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusBadRequest, map[string]string{"message": message})
}

// writeErr renders catalogued errors with their envelope and everything
// else as an opaque 500.
func (s *Server) writeErr(w http.ResponseWriter, err error) {
	var apiErr *apierr.Error
	if errors.As(err, &apiErr) {
		apiErr.Write(w)
		return
	}
	s.log.Error("request failed", "err", err)
	writeJSON(w, http.StatusInternalServerError, map[string]string{"message": "internal error"})
}

// authToken extracts the order auth token: form body first, then query,
// then the X-Auth-Token header.
func authToken(r *http.Request) string {
	if v := r.PostFormValue("auth_token"); v != "" {
		return v
	}
	if v := r.URL.Query().Get("auth_token"); v != "" {
		return v
	}
	return r.Header.Get("X-Auth-Token")
}

// fetchOrder loads the order named in the URL and, on the public surface,
// verifies the auth token and the channel permission for the operation.
func (s *Server) fetchOrder(w http.ResponseWriter, r *http.Request, admin bool, perm string) *models.Order {
	uuid := chi.URLParam(r, "uuid")
	order, err := s.engine.Store().OrderByUUID(uuid)
	if errors.Is(err, storage.ErrNotFound) {
		s.writeErr(w, apierr.New(apierr.OrderNotFound, uuid))
		return nil
	}
	if err != nil {
		s.writeErr(w, err)
		return nil
	}
	if admin {
		return order
	}

	token := authToken(r)
	want := s.cfg.UserAuthToken(uuid)
	if subtle.ConstantTimeCompare([]byte(token), []byte(want)) != 1 {
		s.writeErr(w, apierr.New(apierr.InvalidAuthToken))
		return nil
	}
	ch, ok := s.engine.Channels().Lookup(order.Channel)
	if !ok || (perm != "" && !ch.HasPermission(perm)) {
		s.writeErr(w, apierr.New(apierr.OrderChannelUnauthorizedOp, order.Channel))
		return nil
	}
	return order
}

func parseForm(r *http.Request) error {
	ct := r.Header.Get("Content-Type")
	if strings.HasPrefix(ct, "multipart/form-data") {
		return r.ParseMultipartForm(32 << 20)
	}
	return r.ParseForm()
}

func (s *Server) handleCreateOrder(admin bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := parseForm(r); err != nil {
			badRequest(w, "malformed form data")
			return
		}

		channel := channels.User
		if v := r.FormValue("channel"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				s.writeErr(w, apierr.New(apierr.ParamCoercion, v))
				return
			}
			channel = n
		}
		var bid int64
		if v := r.FormValue("bid"); v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				s.writeErr(w, apierr.New(apierr.ParamCoercion, v))
				return
			}
			bid = n
		}
		var regions []int
		if v := r.FormValue("regions"); v != "" {
			if err := json.Unmarshal([]byte(v), &regions); err != nil {
				s.writeErr(w, apierr.New(apierr.ParamCoercion, v))
				return
			}
		}

		var message io.Reader
		if file, _, err := r.FormFile("file"); err == nil {
			defer file.Close()
			message = file
		} else if text := r.FormValue("message"); text != "" {
			if len(text) > maxTextMessageLen {
				badRequest(w, "message parameter too long")
				return
			}
			message = strings.NewReader(text)
		} else {
			s.writeErr(w, apierr.New(apierr.MessageMissing))
			return
		}

		res, err := s.engine.CreateOrder(r.Context(), engine.UploadParams{
			Channel:       channel,
			Bid:           bid,
			Message:       message,
			RegionNumbers: regions,
			Admin:         admin,
		})
		if err != nil {
			s.writeErr(w, err)
			return
		}

		resp := map[string]any{
			"uuid":       res.Order.UUID,
			"auth_token": s.cfg.UserAuthToken(res.Order.UUID),
		}
		if res.Invoice != nil {
			resp["lightning_invoice"] = json.RawMessage(res.Invoice.Raw)
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func (s *Server) handleGetOrder(admin bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		order := s.fetchOrder(w, r, admin, channels.PermGet)
		if order == nil {
			return
		}
		if !admin {
			writeJSON(w, http.StatusOK, makeOrderView(order))
			return
		}
		view, err := s.makeAdminOrderView(order)
		if err != nil {
			s.writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, view)
	}
}

func (s *Server) handleDeleteOrder(admin bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		order := s.fetchOrder(w, r, admin, channels.PermDelete)
		if order == nil {
			return
		}
		if err := s.engine.Cancel(order.ID); err != nil {
			s.writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"message": "order cancelled"})
	}
}

func (s *Server) handleBumpOrder(admin bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := parseForm(r); err != nil {
			badRequest(w, "malformed form data")
			return
		}
		order := s.fetchOrder(w, r, admin, channels.PermPost)
		if order == nil {
			return
		}
		raw := r.FormValue("bid_increase")
		increase, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || increase <= 0 {
			s.writeErr(w, apierr.New(apierr.ParamCoercion, raw))
			return
		}
		invoice, err := s.engine.Bump(r.Context(), order, increase)
		if err != nil {
			s.writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"auth_token":        s.cfg.UserAuthToken(order.UUID),
			"lightning_invoice": json.RawMessage(invoice.Raw),
		})
	}
}

// parseListTime accepts RFC 3339 or a bare ISO 8601 timestamp.
func parseListTime(v string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02T15:04:05", v)
}

// listWindow resolves one side of the listing window from its absolute and
// relative forms, which are mutually exclusive.
func listWindow(q map[string][]string, absKey, deltaKey string, now time.Time) (*time.Time, error) {
	abs, hasAbs := firstValue(q, absKey)
	delta, hasDelta := firstValue(q, deltaKey)
	if hasAbs && hasDelta {
		return nil, errors.New(absKey + " and " + deltaKey + " are mutually exclusive")
	}
	if hasAbs {
		t, err := parseListTime(abs)
		if err != nil {
			return nil, errors.New("invalid " + absKey)
		}
		return &t, nil
	}
	if hasDelta {
		secs, err := strconv.ParseInt(delta, 10, 64)
		if err != nil || secs < 0 {
			return nil, errors.New("invalid " + deltaKey)
		}
		t := now.Add(-time.Duration(secs) * time.Second)
		return &t, nil
	}
	return nil, nil
}

func firstValue(q map[string][]string, key string) (string, bool) {
	vals, ok := q[key]
	if !ok || len(vals) == 0 || vals[0] == "" {
		return "", false
	}
	return vals[0], true
}

func (s *Server) handleListOrders(admin bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		state, ok := storage.ParseFetchState(chi.URLParam(r, "state"))
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"message": "unknown order state"})
			return
		}

		q := r.URL.Query()
		now := time.Now().UTC()
		before, err := listWindow(q, "before", "before_delta", now)
		if err != nil {
			badRequest(w, err.Error())
			return
		}
		after, err := listWindow(q, "after", "after_delta", now)
		if err != nil {
			badRequest(w, err.Error())
			return
		}

		opts := storage.ListOptions{Before: before, After: after, Limit: storage.DefaultListLimit}
		if v, has := firstValue(q, "limit"); has {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 || n > storage.MaxListLimit {
				badRequest(w, "invalid limit")
				return
			}
			opts.Limit = n
		}
		if v, has := firstValue(q, "channel"); has {
			n, err := strconv.Atoi(v)
			if err != nil || !s.engine.Channels().Valid(n) {
				badRequest(w, "invalid channel")
				return
			}
			opts.Channel = &n
		}

		orders, err := s.engine.Store().ListOrders(state, opts)
		if err != nil {
			s.writeErr(w, err)
			return
		}
		if !admin {
			views := make([]orderView, 0, len(orders))
			for i := range orders {
				views = append(views, makeOrderView(&orders[i]))
			}
			writeJSON(w, http.StatusOK, views)
			return
		}
		views := make([]adminOrderView, 0, len(orders))
		for i := range orders {
			view, err := s.makeAdminOrderView(&orders[i])
			if err != nil {
				s.writeErr(w, err)
				return
			}
			views = append(views, view)
		}
		writeJSON(w, http.StatusOK, views)
	}
}

func (s *Server) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "seq")
	seq, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		s.writeErr(w, apierr.New(apierr.ParamCoercion, raw))
		return
	}
	order, err := s.engine.Store().OrderBySeqNum(seq,
		models.StatusTransmitting, models.StatusConfirming,
		models.StatusSent, models.StatusReceived)
	if errors.Is(err, storage.ErrNotFound) {
		s.writeErr(w, apierr.New(apierr.SequenceNumberNotFound, seq))
		return
	}
	if err != nil {
		s.writeErr(w, err)
		return
	}
	ch, ok := s.engine.Channels().Lookup(order.Channel)
	if !ok || !ch.HasPermission(channels.PermGet) {
		s.writeErr(w, apierr.New(apierr.OrderChannelUnauthorizedOp, order.Channel))
		return
	}
	s.streamPayload(w, order)
}

// handleSentMessage serves the payload by order UUID. Mounted outside
// production only; transmitters use /message/{seq} instead.
func (s *Server) handleSentMessage(w http.ResponseWriter, r *http.Request) {
	uuid := chi.URLParam(r, "uuid")
	order, err := s.engine.Store().OrderByUUID(uuid)
	if errors.Is(err, storage.ErrNotFound) {
		s.writeErr(w, apierr.New(apierr.OrderNotFound, uuid))
		return
	}
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if order.StartedTransmissionAt == nil {
		s.writeErr(w, apierr.New(apierr.OrderNotFound, uuid))
		return
	}
	s.streamPayload(w, order)
}

func (s *Server) streamPayload(w http.ResponseWriter, order *models.Order) {
	f, err := s.engine.Messages().Open(order.UUID)
	if err != nil {
		s.writeErr(w, apierr.New(apierr.MessageMissing))
		return
	}
	defer f.Close()
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(order.MessageSize, 10))
	_, _ = io.Copy(w, f)
}

func (s *Server) handleTxConfirm(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "seq")
	seq, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		s.writeErr(w, apierr.New(apierr.ParamCoercion, raw))
		return
	}
	if err := parseForm(r); err != nil {
		badRequest(w, "malformed form data")
		return
	}
	var regions []int
	rawRegions := r.FormValue("regions")
	if err := json.Unmarshal([]byte(rawRegions), &regions); err != nil || len(regions) == 0 {
		s.writeErr(w, apierr.New(apierr.ParamCoercion, rawRegions))
		return
	}
	if err := s.engine.TxConfirm(seq, regions); err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "transmission confirmed"})
}

func (s *Server) handleRxConfirm(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "seq")
	seq, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		s.writeErr(w, apierr.New(apierr.ParamCoercion, raw))
		return
	}
	if err := parseForm(r); err != nil {
		badRequest(w, "malformed form data")
		return
	}
	rawRegion := r.FormValue("region")
	regionNumber, err := strconv.Atoi(rawRegion)
	if err != nil {
		s.writeErr(w, apierr.New(apierr.ParamCoercion, rawRegion))
		return
	}
	if err := s.engine.RxConfirm(seq, regionNumber); err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "reception confirmed"})
}

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	lid := chi.URLParam(r, "lid")
	token := chi.URLParam(r, "token")
	if err := s.engine.PayInvoice(lid, token); err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "invoice paid"})
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	if s.nodeInfo == nil {
		s.writeErr(w, apierr.New(apierr.ChargeInfoFailed))
		return
	}
	info, err := s.nodeInfo.Info(r.Context())
	if err != nil {
		s.writeErr(w, apierr.New(apierr.ChargeInfoFailed))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(info)
}
