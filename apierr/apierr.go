// Package apierr defines the catalogued JSON error responses returned by
// the HTTP surface. Every error carries a stable numeric code so that
// clients can match on it independently of the detail text.
package apierr

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// Key names a catalogued error.
type Key string

// Catalogued error keys.
const (
	ParamCoercion               Key = "PARAM_COERCION"
	BidTooSmall                 Key = "BID_TOO_SMALL"
	OrderNotFound               Key = "ORDER_NOT_FOUND"
	InvalidAuthToken            Key = "INVALID_AUTH_TOKEN"
	ChargeInvoiceError          Key = "LIGHTNING_CHARGE_INVOICE_ERROR"
	ChargeWebhookError          Key = "LIGHTNING_CHARGE_WEBHOOK_REGISTRATION_ERROR"
	InvoiceIDNotFound           Key = "INVOICE_ID_NOT_FOUND_ERROR"
	SequenceNumberNotFound      Key = "SEQUENCE_NUMBER_NOT_FOUND"
	RegionNotFound              Key = "REGION_NOT_FOUND"
	MessageFileTooSmall         Key = "MESSAGE_FILE_TOO_SMALL"
	MessageFileTooLarge         Key = "MESSAGE_FILE_TOO_LARGE"
	OrderCancellationError      Key = "ORDER_CANCELLATION_ERROR"
	OrderBumpError              Key = "ORDER_BUMP_ERROR"
	OrphanedInvoice             Key = "ORPHANED_INVOICE"
	InvoiceAlreadyPaid          Key = "INVOICE_ALREADY_PAID"
	MessageMissing              Key = "MESSAGE_MISSING"
	ChargeInfoFailed            Key = "LIGHTNING_CHARGE_INFO_FAILED"
	InvoiceAlreadyExpired       Key = "INVOICE_ALREADY_EXPIRED"
	OrderChannelUnauthorizedOp  Key = "ORDER_CHANNEL_UNAUTHORIZED_OP"
)

type entry struct {
	code   int
	title  string
	detail string
	status int
}

var catalog = map[Key]entry{
	ParamCoercion:              {2, "type coercion error", "%v does not have the expected type", http.StatusInternalServerError},
	BidTooSmall:                {102, "Bid too low", "The minimum bid for this message is %v millisatoshis.", http.StatusBadRequest},
	OrderNotFound:              {104, "Order not found", "UUID %v not found", http.StatusNotFound},
	InvalidAuthToken:           {109, "Unauthorized", "Invalid authentication token", http.StatusUnauthorized},
	ChargeInvoiceError:         {110, "Invoice Creation Error", "Lightning Charge invoice creation error", http.StatusBadRequest},
	ChargeWebhookError:         {111, "Invoice Creation Error", "Lightning Charge webhook registration error", http.StatusBadRequest},
	InvoiceIDNotFound:          {112, "Not found", "Invoice id %v not found", http.StatusNotFound},
	SequenceNumberNotFound:     {114, "Sequence number not found", "Sent order with sequence number %v not found", http.StatusNotFound},
	RegionNotFound:             {115, "Region not found", "Region %v not found", http.StatusNotFound},
	MessageFileTooSmall:        {117, "Message too small", "Minimum message size is %v byte", http.StatusBadRequest},
	MessageFileTooLarge:        {118, "Message too large", "Message size exceeds max size of %v MB", http.StatusRequestEntityTooLarge},
	OrderCancellationError:     {120, "Cannot cancel order", "Order already %v", http.StatusBadRequest},
	OrderBumpError:             {121, "Cannot bump order", "Order already %v", http.StatusBadRequest},
	OrphanedInvoice:            {122, "Payment problem", "Orphaned invoice", http.StatusNotFound},
	InvoiceAlreadyPaid:         {123, "Payment problem", "Invoice already paid", http.StatusBadRequest},
	MessageMissing:             {126, "Message upload problem", "Either a message file or a message parameter is required", http.StatusBadRequest},
	ChargeInfoFailed:           {128, "Lightning Charge communication error", "Failed to fetch information about the Lightning node", http.StatusInternalServerError},
	InvoiceAlreadyExpired:      {129, "Payment problem", "Invoice already expired", http.StatusBadRequest},
	OrderChannelUnauthorizedOp: {130, "Unauthorized channel operation", "Operation not supported on channel %v", http.StatusUnauthorized},
}

// Error is a catalogued API error. It implements the error interface so it
// can flow through engine code and be rendered at the HTTP boundary.
type Error struct {
	Key    Key
	Code   int
	Title  string
	Detail string
	Status int
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Title, e.Code, e.Detail)
}

// New builds the catalogued error for key, interpolating args into the
// detail template.
func New(key Key, args ...any) *Error {
	ent, ok := catalog[key]
	if !ok {
		// Unknown keys indicate a programming error; degrade to a 500.
		return &Error{Key: key, Code: 0, Title: string(key), Detail: string(key), Status: http.StatusInternalServerError}
	}
	detail := ent.detail
	if len(args) > 0 {
		detail = fmt.Sprintf(ent.detail, args...)
	}
	return &Error{Key: key, Code: ent.code, Title: ent.title, Detail: detail, Status: ent.status}
}

// Is lets errors.Is match catalogued errors by key.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Key == other.Key
}

type wireError struct {
	Title  string `json:"title"`
	Detail string `json:"detail"`
	Code   int    `json:"code"`
}

type wireResponse struct {
	Message string      `json:"message"`
	Errors  []wireError `json:"errors"`
}

// Write renders the error as the JSON error envelope with its catalogued
// HTTP status.
func (e *Error) Write(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Status)
	_ = json.NewEncoder(w).Encode(wireResponse{
		Message: e.Title,
		Errors:  []wireError{{Title: e.Title, Detail: e.Detail, Code: e.Code}},
	})
}
