// JSON request and response envelopes exchanged between bank clients and the server
// Domain errors travel as codes and decode back into the bank sentinels
package wire

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/andrewh/bankdst/pkg/bank"
	"github.com/shopspring/decimal"
)

// Op names a server operation.
type Op string

// Server operations.
const (
	OpCreate  Op = "CREATE_TRANSACTION"
	OpVoid    Op = "VOID_TRANSACTION"
	OpGet     Op = "GET_TRANSACTION"
	OpList    Op = "LIST_TRANSACTIONS"
	OpBalance Op = "GET_BALANCE"
	OpHealth  Op = "HEALTH"
	OpClose   Op = "CLOSE"
)

// Ops lists every operation a server accepts.
var Ops = []Op{OpCreate, OpVoid, OpGet, OpList, OpBalance, OpHealth, OpClose}

// Error codes.
const (
	CodeInvalidAmount = "INVALID_AMOUNT"
	CodeNotFound      = "NOT_FOUND"
	CodeAlreadyVoided = "ALREADY_VOIDED"
	CodeBadRequest    = "BAD_REQUEST"
	CodeUnknownOp     = "UNKNOWN_OP"
	CodeStaleEpoch    = "STALE_EPOCH"
	CodeInternal      = "INTERNAL"
)

var (
	// ErrBadRequest reports a request the server could not decode.
	ErrBadRequest = errors.New("bad request")
	// ErrUnknownOp reports a well-formed request naming no known operation.
	// Rejections carrying it also wrap ErrBadRequest.
	ErrUnknownOp = errors.New("unknown op")
	// ErrStaleEpoch reports a request pinned to a server boot that has since
	// been replaced. Transaction ids from an earlier boot name nothing now.
	ErrStaleEpoch = errors.New("stale epoch")
)

// Request is a client request. A nonzero Epoch pins the request to one
// server boot; any other boot refuses it with CodeStaleEpoch.
type Request struct {
	Op        Op     `json:"op"`
	ID        int64  `json:"id,omitempty"`
	Amount    string `json:"amount,omitempty"`
	Reference string `json:"reference,omitempty"`
	Epoch     int64  `json:"epoch,omitempty"`
}

// Response is a server reply. ServerEpoch identifies the server boot that produced it.
type Response struct {
	OK           bool             `json:"ok"`
	Error        *Error           `json:"error,omitempty"`
	Transaction  *Transaction     `json:"transaction,omitempty"`
	Transactions []Transaction    `json:"transactions,omitempty"`
	Balance      *decimal.Decimal `json:"balance,omitempty"`
	Status       string           `json:"status,omitempty"`
	ServerEpoch  int64            `json:"server_epoch"`
}

// Transaction is the wire form of a ledger record. CreatedAt is encoded by the
// active TimestampCodec.
type Transaction struct {
	ID        int64           `json:"id"`
	Amount    decimal.Decimal `json:"amount"`
	Status    string          `json:"status"`
	CreatedAt json.RawMessage `json:"created_at"`
	Reference string          `json:"reference,omitempty"`
}

// Error is a domain or protocol error carried in a response.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches the bank sentinel corresponding to the error code.
func (e *Error) Is(target error) bool {
	switch e.Code {
	case CodeInvalidAmount:
		return target == bank.ErrInvalidAmount
	case CodeNotFound:
		return target == bank.ErrNotFound
	case CodeAlreadyVoided:
		return target == bank.ErrAlreadyVoided
	case CodeBadRequest:
		return target == ErrBadRequest
	case CodeUnknownOp:
		return target == ErrBadRequest || target == ErrUnknownOp
	case CodeStaleEpoch:
		return target == ErrStaleEpoch
	}
	return false
}

// ErrorFor maps an error to its wire form.
func ErrorFor(err error) *Error {
	code := CodeInternal
	switch {
	case errors.Is(err, bank.ErrInvalidAmount):
		code = CodeInvalidAmount
	case errors.Is(err, bank.ErrNotFound):
		code = CodeNotFound
	case errors.Is(err, bank.ErrAlreadyVoided):
		code = CodeAlreadyVoided
	case errors.Is(err, ErrStaleEpoch):
		code = CodeStaleEpoch
	case errors.Is(err, ErrUnknownOp):
		code = CodeUnknownOp
	case errors.Is(err, ErrBadRequest):
		code = CodeBadRequest
	}
	return &Error{Code: code, Message: err.Error()}
}

// Codec converts between ledger records and wire messages.
type Codec struct {
	Timestamps TimestampCodec
}

// DefaultCodec uses the wide timestamp encoding.
func DefaultCodec() Codec {
	return Codec{Timestamps: WideTimestamps{}}
}

// EncodeTransaction converts a ledger record to its wire form.
func (c Codec) EncodeTransaction(tx bank.Transaction) (Transaction, error) {
	ts, err := c.Timestamps.Encode(tx.CreatedAt)
	if err != nil {
		return Transaction{}, fmt.Errorf("encoding transaction %d: %w", tx.ID, err)
	}
	return Transaction{
		ID:        tx.ID,
		Amount:    tx.Amount,
		Status:    string(tx.Status),
		CreatedAt: ts,
		Reference: tx.Reference,
	}, nil
}

// DecodeTransaction converts a wire record back to a ledger record.
func (c Codec) DecodeTransaction(w Transaction) (bank.Transaction, error) {
	ts, err := c.Timestamps.Decode(w.CreatedAt)
	if err != nil {
		return bank.Transaction{}, fmt.Errorf("decoding transaction %d: %w", w.ID, err)
	}
	status := bank.Status(w.Status)
	if status != bank.StatusActive && status != bank.StatusVoided {
		return bank.Transaction{}, fmt.Errorf("decoding transaction %d: unknown status %q", w.ID, w.Status)
	}
	return bank.Transaction{
		ID:        w.ID,
		Amount:    w.Amount,
		Status:    status,
		CreatedAt: ts,
		Reference: w.Reference,
	}, nil
}

// MarshalRequest encodes a request.
func MarshalRequest(req Request) ([]byte, error) {
	return json.Marshal(req)
}

// UnmarshalRequest decodes a request, rejecting unknown operations.
func UnmarshalRequest(data []byte) (Request, error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return Request{}, fmt.Errorf("%w: %w", ErrBadRequest, err)
	}
	for _, op := range Ops {
		if req.Op == op {
			return req, nil
		}
	}
	return req, fmt.Errorf("%w: %w %q", ErrBadRequest, ErrUnknownOp, req.Op)
}

// MarshalResponse encodes a response.
func MarshalResponse(resp Response) ([]byte, error) {
	return json.Marshal(resp)
}

// UnmarshalResponse decodes a response.
func UnmarshalResponse(data []byte) (Response, error) {
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return Response{}, fmt.Errorf("decoding response: %w", err)
	}
	return resp, nil
}
