package alerts

import (
	"fmt"

	"github.com/antonholmquist/jason"

	"github.com/tphakala/iotalerts/internal/errors"
)

// maxPayloadSize bounds what DecodePayload will parse
const maxPayloadSize = 64 * 1024

// Payload is the decoded body of an alert message:
//
//	{"alert": 2, "message": "door forced"}
type Payload struct {
	Severity Severity
	Message  string
}

// ErrMalformedPayload is wrapped by every DecodePayload failure.
var ErrMalformedPayload = errors.NewStd("malformed alert payload")

// DecodePayload parses an alert payload. The alert code must be an integer
// in 0..2. A missing or null message decodes to "".
func DecodePayload(data []byte) (Payload, error) {
	var p Payload

	if len(data) == 0 {
		return p, decodeError(fmt.Errorf("%w: empty payload", ErrMalformedPayload), data)
	}
	if len(data) > maxPayloadSize {
		return p, decodeError(fmt.Errorf("%w: payload exceeds %d bytes", ErrMalformedPayload, maxPayloadSize), data)
	}

	obj, err := jason.NewObjectFromBytes(data)
	if err != nil {
		return p, decodeError(fmt.Errorf("%w: %v", ErrMalformedPayload, err), data)
	}

	code, err := obj.GetInt64("alert")
	if err != nil {
		return p, decodeError(fmt.Errorf("%w: alert field: %v", ErrMalformedPayload, err), data)
	}
	p.Severity = Severity(code)
	if !p.Severity.Valid() {
		return Payload{}, decodeError(fmt.Errorf("%w: alert code %d out of range", ErrMalformedPayload, code), data)
	}

	if v, ok := obj.Map()["message"]; ok && v.Null() != nil {
		msg, err := v.String()
		if err != nil {
			return Payload{}, decodeError(fmt.Errorf("%w: message field: %v", ErrMalformedPayload, err), data)
		}
		p.Message = msg
	}

	return p, nil
}

func decodeError(err error, data []byte) error {
	return errors.New(err).
		Component("alerts").
		Category(errors.CategoryDeserialization).
		Context("payload_size", len(data)).
		Build()
}
