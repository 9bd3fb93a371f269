// Package ocpp implements the OCPP 1.6-J charge point side: the wire codec,
// the message catalogue and a WebSocket session manager with call
// correlation.
package ocpp

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Message types per OCPP-J.
const (
	MessageTypeCall       = 2
	MessageTypeCallResult = 3
	MessageTypeCallError  = 4
)

// CALLERROR codes defined by OCPP-J.
const (
	CallErrNotImplemented               = "NotImplemented"
	CallErrNotSupported                 = "NotSupported"
	CallErrInternalError                = "InternalError"
	CallErrProtocolError                = "ProtocolError"
	CallErrFormationViolation           = "FormationViolation"
	CallErrPropertyConstraintViolation  = "PropertyConstraintViolation"
	CallErrOccurenceConstraintViolation = "OccurenceConstraintViolation"
	CallErrGenericError                 = "GenericError"
)

// Frame is one parsed OCPP-J frame. Which fields are set depends on
// MessageType: CALL carries Action and Payload, CALLRESULT carries Payload,
// CALLERROR carries the error triple.
type Frame struct {
	MessageType      int
	UniqueID         string
	Action           string
	Payload          json.RawMessage
	ErrorCode        string
	ErrorDescription string
	ErrorDetails     json.RawMessage
}

// ParseFrame decodes a raw OCPP-J frame.
func ParseFrame(data []byte) (*Frame, error) {
	var array []json.RawMessage
	if err := json.Unmarshal(data, &array); err != nil {
		return nil, fmt.Errorf("ocpp: malformed frame: %w", err)
	}

	if len(array) < 3 {
		return nil, errors.New("ocpp: malformed frame")
	}

	var msgType int
	if err := json.Unmarshal(array[0], &msgType); err != nil {
		return nil, fmt.Errorf("ocpp: read message type: %w", err)
	}

	f := &Frame{MessageType: msgType}
	if err := json.Unmarshal(array[1], &f.UniqueID); err != nil {
		return nil, fmt.Errorf("ocpp: read unique id: %w", err)
	}

	switch msgType {
	case MessageTypeCall:
		if len(array) < 4 {
			return nil, errors.New("ocpp: incomplete CALL frame")
		}
		if err := json.Unmarshal(array[2], &f.Action); err != nil {
			return nil, fmt.Errorf("ocpp: read action: %w", err)
		}
		f.Payload = array[3]

	case MessageTypeCallResult:
		f.Payload = array[2]

	case MessageTypeCallError:
		if len(array) < 4 {
			return nil, errors.New("ocpp: incomplete CALLERROR frame")
		}
		if err := json.Unmarshal(array[2], &f.ErrorCode); err != nil {
			return nil, fmt.Errorf("ocpp: read error code: %w", err)
		}
		if err := json.Unmarshal(array[3], &f.ErrorDescription); err != nil {
			return nil, fmt.Errorf("ocpp: read error description: %w", err)
		}
		if len(array) > 4 {
			f.ErrorDetails = array[4]
		}

	default:
		return nil, fmt.Errorf("ocpp: unsupported message type %d", msgType)
	}

	return f, nil
}

// MarshalCall builds a CALL frame.
func MarshalCall(uniqueID, action string, payload interface{}) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	frame := []interface{}{MessageTypeCall, uniqueID, action, json.RawMessage(body)}
	return json.Marshal(frame)
}

// MarshalCallResult builds a CALLRESULT frame.
func MarshalCallResult(uniqueID string, payload interface{}) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	frame := []interface{}{MessageTypeCallResult, uniqueID, json.RawMessage(body)}
	return json.Marshal(frame)
}

// MarshalCallError builds a CALLERROR frame.
func MarshalCallError(uniqueID, code, description string) ([]byte, error) {
	frame := []interface{}{MessageTypeCallError, uniqueID, code, description, map[string]string{}}
	return json.Marshal(frame)
}
