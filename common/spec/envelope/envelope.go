// Package envelope defines the wire format of the commands jet-agent receives
// from the control plane and of the replies it sends back.
//
// An inbound message is a UTF-8 JSON object:
//
//	{"command": "instance", "args": ["vm-7"]}
//
// The codec checks structure only. Whether a command exists, and how many
// arguments it takes, is decided by the dispatch layer.
package envelope

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

var (
	// ErrMalformedMessage wraps every Decode failure.
	ErrMalformedMessage = errors.New("envelope: malformed message")
	// ErrEncoding wraps every reply serialisation failure.
	ErrEncoding = errors.New("envelope: encoding failed")
)

// envelopeSchema is intentionally permissive about unknown properties so
// newer control planes can add fields without breaking older agents.
const envelopeSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["command", "args"],
	"properties": {
		"command": {"type": "string"},
		"args": {"type": "array", "items": {"type": "string"}}
	}
}`

var schema = jsonschema.MustCompileString("jet-agent/envelope.schema.json", envelopeSchema)

// Envelope is one decoded command.
type Envelope struct {
	// Command selects the handler. Matching is case-sensitive.
	Command string `json:"command"`
	// Args are positional; count and meaning depend on Command.
	Args []string `json:"args"`
}

// Decode parses and structurally validates an inbound payload.
func Decode(data []byte) (*Envelope, error) {
	if !utf8.Valid(data) {
		return nil, fmt.Errorf("%w: payload is not valid UTF-8", ErrMalformedMessage)
	}

	var doc any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: trailing data after JSON value", ErrMalformedMessage)
	}
	if err := schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if env.Args == nil {
		env.Args = []string{}
	}
	return &env, nil
}

// Encode serialises an envelope. Nil Args are written as an empty array so
// the output always satisfies Decode.
func Encode(env *Envelope) ([]byte, error) {
	if env == nil {
		return nil, fmt.Errorf("%w: nil envelope", ErrEncoding)
	}
	out := Envelope{Command: env.Command, Args: env.Args}
	if out.Args == nil {
		out.Args = []string{}
	}
	data, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncoding, err)
	}
	return data, nil
}

// Arg returns the i-th argument, or false when the envelope carries fewer.
func (e *Envelope) Arg(i int) (string, bool) {
	if i < 0 || i >= len(e.Args) {
		return "", false
	}
	return e.Args[i], true
}
