package envelope

import (
	"encoding/json"
	"fmt"
	"reflect"
)

// EncodeResult serialises a handler result for the reply subject. A nil
// slice encodes as [] so an empty listing is never sent as null.
func EncodeResult(v any) (data []byte, err error) {
	defer func() {
		// Custom MarshalJSON implementations may panic.
		if r := recover(); r != nil {
			data, err = nil, fmt.Errorf("%w: panic: %v", ErrEncoding, r)
		}
	}()

	if rv := reflect.ValueOf(v); rv.Kind() == reflect.Slice && rv.IsNil() {
		return []byte("[]"), nil
	}

	data, err = json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncoding, err)
	}
	return data, nil
}

// ErrorReply is sent instead of a result when error replies are enabled
// and a request fails.
type ErrorReply struct {
	Error ErrorBody `json:"error"`
}

// ErrorBody describes one failed request.
type ErrorBody struct {
	Kind    string `json:"kind"`
	Command string `json:"command,omitempty"`
	Message string `json:"message"`
	TraceID string `json:"trace_id,omitempty"`
}

// Delivery says whether the sender of an envelope waits for a reply.
// It is either Notify or Request.
type Delivery interface {
	isDelivery()
}

// Notify is fire-and-forget: nothing is ever published back.
type Notify struct{}

// Request carries the address the reply must be published on.
type Request struct {
	ReplyTo string
}

func (Notify) isDelivery()  {}
func (Request) isDelivery() {}

// DeliveryFor classifies an inbound message by its reply address.
func DeliveryFor(reply string) Delivery {
	if reply == "" {
		return Notify{}
	}
	return Request{ReplyTo: reply}
}

// ReplyAddress returns where a reply for d must go, if anywhere.
func ReplyAddress(d Delivery) (string, bool) {
	if r, ok := d.(Request); ok && r.ReplyTo != "" {
		return r.ReplyTo, true
	}
	return "", false
}
