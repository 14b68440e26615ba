package wire

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/opc-classic/opcda-go/pkg/model"
	"github.com/opc-classic/opcda-go/pkg/status"
)

// CBOR map keys shared by all messages.
const (
	KeyMessageID  = 1
	KeyOpOrStatus = 2 // Operation (request), status (response) or kind (notification)
)

// MessageID 0 is reserved to indicate a notification message.
const NotificationMessageID uint32 = 0

// Request is a message from client to server.
//
// CBOR encoding:
//
//	{
//	  1: messageId,    // uint32
//	  2: operation,    // uint8
//	  3: payload       // operation-specific, raw CBOR
//	}
type Request struct {
	MessageID uint32          `cbor:"1,keyasint"`
	Operation Operation       `cbor:"2,keyasint"`
	Payload   cbor.RawMessage `cbor:"3,keyasint,omitempty"`
}

// Validate checks if the request is valid.
func (r *Request) Validate() error {
	if r.MessageID == NotificationMessageID {
		return fmt.Errorf("messageId 0 is reserved for notifications")
	}
	if !r.Operation.IsValid() {
		return fmt.Errorf("invalid operation: %d", r.Operation)
	}
	return nil
}

// DecodePayload decodes the request payload into v.
// An absent payload leaves v unchanged.
func (r *Request) DecodePayload(v any) error {
	if len(r.Payload) == 0 {
		return nil
	}
	if err := Unmarshal(r.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", r.Operation, err)
	}
	return nil
}

// Response is the answer to a request.
//
// CBOR encoding:
//
//	{
//	  1: messageId,    // uint32: matches request
//	  2: status,       // uint16: status.Code, 0 = good
//	  3: message,      // string: error text
//	  4: payload       // operation-specific, raw CBOR
//	}
//
// A batch operation may report a non-Good status and still carry a payload
// with the per-item results.
type Response struct {
	MessageID uint32          `cbor:"1,keyasint"`
	Status    status.Code     `cbor:"2,keyasint"`
	Message   string          `cbor:"3,keyasint,omitempty"`
	Payload   cbor.RawMessage `cbor:"4,keyasint,omitempty"`
}

// Result returns the response status as a Result.
func (r *Response) Result() status.Result {
	return status.Result{Code: r.Status, Message: r.Message}
}

// IsSuccess returns true if the response status is Good.
func (r *Response) IsSuccess() bool {
	return r.Status == status.CodeGood
}

// DecodePayload decodes the response payload into v.
func (r *Response) DecodePayload(v any) error {
	if len(r.Payload) == 0 {
		return nil
	}
	if err := Unmarshal(r.Payload, v); err != nil {
		return fmt.Errorf("decode response payload: %w", err)
	}
	return nil
}

// NewResponse builds a response for req with the given result and payload.
func NewResponse(req *Request, res status.Result, payload any) (*Response, error) {
	resp := &Response{
		MessageID: req.MessageID,
		Status:    res.Code,
		Message:   res.Message,
	}
	if payload != nil {
		raw, err := Marshal(payload)
		if err != nil {
			return nil, err
		}
		resp.Payload = raw
	}
	return resp, nil
}

// Notification is an asynchronous message from server to client.
//
// CBOR encoding:
//
//	{
//	  1: 0,             // messageId 0 = notification
//	  2: kind,          // uint8
//	  3: groupHandle,   // uint32 (data change)
//	  4: items,         // array of item states (data change)
//	  5: reason,        // string (shutdown)
//	  6: keepAlive,     // bool (data change without items)
//	  7: refresh        // bool (data change forced by Refresh)
//	}
type Notification struct {
	Kind        NotificationKind  `cbor:"2,keyasint"`
	GroupHandle uint32            `cbor:"3,keyasint,omitempty"`
	Items       []model.ItemState `cbor:"4,keyasint,omitempty"`
	Reason      string            `cbor:"5,keyasint,omitempty"`
	KeepAlive   bool              `cbor:"6,keyasint,omitempty"`
	Refresh     bool              `cbor:"7,keyasint,omitempty"`
}

// DataChange converts a data change notification into the model type.
func (n *Notification) DataChange() model.DataChange {
	return model.DataChange{
		GroupHandle: n.GroupHandle,
		Items:       n.Items,
		KeepAlive:   n.KeepAlive,
		Refresh:     n.Refresh,
	}
}
