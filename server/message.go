package server

import (
	"encoding/json"
	"fmt"
	"reflect"

	"evcharge/ocpp"
	"evcharge/ocpp/core"
	"evcharge/ocpp/firmware"
	"evcharge/utility"
)

type CallType int

const (
	CallTypeRequest CallType = 2
	CallTypeResult  CallType = 3
	CallTypeError   CallType = 4
)

// Call is an OCPP-J request frame. The payload stays raw until dispatch so
// that frames for unknown actions survive a decode/encode round trip intact.
type Call struct {
	UniqueId string
	Action   string
	Payload  interface{}
}

// CallResult is an OCPP-J response frame, echoing the unique id of its Call.
type CallResult struct {
	UniqueId string
	Payload  interface{}
}

// CallError is an OCPP-J error frame.
type CallError struct {
	UniqueId         string
	ErrorCode        string
	ErrorDescription string
	Details          interface{}
}

func (call *Call) MarshalJSON() ([]byte, error) {
	fields := make([]interface{}, 4)
	fields[0] = int(CallTypeRequest)
	fields[1] = call.UniqueId
	fields[2] = call.Action
	fields[3] = call.Payload
	return json.Marshal(fields)
}

func (callResult *CallResult) MarshalJSON() ([]byte, error) {
	fields := make([]interface{}, 3)
	fields[0] = int(CallTypeResult)
	fields[1] = callResult.UniqueId
	fields[2] = callResult.Payload
	return json.Marshal(fields)
}

func (callError *CallError) MarshalJSON() ([]byte, error) {
	details := callError.Details
	if details == nil {
		details = struct{}{}
	}
	fields := make([]interface{}, 5)
	fields[0] = int(CallTypeError)
	fields[1] = callError.UniqueId
	fields[2] = callError.ErrorCode
	fields[3] = callError.ErrorDescription
	fields[4] = details
	return json.Marshal(fields)
}

// ParseMessage decodes a raw frame into *Call, *CallResult or *CallError.
// Anything that is not a JSON array of at least three elements with a known
// leading type tag fails with MalformedFrameError.
func ParseMessage(data []byte) (interface{}, error) {
	fields, err := utility.ParseJson(data)
	if err != nil {
		return nil, &MalformedFrameError{Reason: "not a json array"}
	}
	if len(fields) < 3 {
		return nil, &MalformedFrameError{Reason: fmt.Sprintf("array too short: %d elements", len(fields))}
	}
	rawTypeId, ok := fields[0].(float64)
	if !ok {
		return nil, &MalformedFrameError{Reason: "leading type tag is not a number"}
	}
	uniqueId, ok := fields[1].(string)
	if !ok {
		return nil, &MalformedFrameError{Reason: "unique id is not a string"}
	}

	switch CallType(rawTypeId) {
	case CallTypeRequest:
		if len(fields) != 4 {
			return nil, &MalformedFrameError{Reason: fmt.Sprintf("call frame has %d elements, expected 4", len(fields))}
		}
		action, ok := fields[2].(string)
		if !ok {
			return nil, &MalformedFrameError{Reason: "action is not a string"}
		}
		return &Call{UniqueId: uniqueId, Action: action, Payload: fields[3]}, nil
	case CallTypeResult:
		return &CallResult{UniqueId: uniqueId, Payload: fields[2]}, nil
	case CallTypeError:
		errorCode, ok := fields[2].(string)
		if !ok {
			return nil, &MalformedFrameError{Reason: "error code is not a string"}
		}
		callError := &CallError{UniqueId: uniqueId, ErrorCode: errorCode}
		if len(fields) > 3 {
			if description, ok := fields[3].(string); ok {
				callError.ErrorDescription = description
			}
		}
		if len(fields) > 4 {
			callError.Details = fields[4]
		}
		return callError, nil
	default:
		return nil, &MalformedFrameError{Reason: fmt.Sprintf("unsupported type tag: %v", rawTypeId)}
	}
}

// getRequestType maps a charger-initiated action to its request struct type.
func getRequestType(action string) (reflect.Type, bool) {
	switch action {
	case core.BootNotificationFeatureName:
		return reflect.TypeOf(core.BootNotificationRequest{}), true
	case core.AuthorizeFeatureName:
		return reflect.TypeOf(core.AuthorizeRequest{}), true
	case core.HeartbeatFeatureName:
		return reflect.TypeOf(core.HeartbeatRequest{}), true
	case core.StartTransactionFeatureName:
		return reflect.TypeOf(core.StartTransactionRequest{}), true
	case core.StopTransactionFeatureName:
		return reflect.TypeOf(core.StopTransactionRequest{}), true
	case core.MeterValuesFeatureName:
		return reflect.TypeOf(core.MeterValuesRequest{}), true
	case core.StatusNotificationFeatureName:
		return reflect.TypeOf(core.StatusNotificationRequest{}), true
	case core.DataTransferFeatureName:
		return reflect.TypeOf(core.DataTransferRequest{}), true
	case firmware.StatusNotificationFeatureName:
		return reflect.TypeOf(firmware.StatusNotificationRequest{}), true
	default:
		return nil, false
	}
}

// parseResponse decodes a raw CallResult payload into the typed response for
// a server-initiated action.
func parseResponse(raw interface{}, responseType reflect.Type) (ocpp.Response, error) {
	if raw == nil {
		raw = &struct{}{}
	}
	bytes, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	response := reflect.New(responseType).Interface()
	if err = json.Unmarshal(bytes, &response); err != nil {
		return nil, err
	}
	result, ok := response.(ocpp.Response)
	if !ok {
		return nil, utility.Err(fmt.Sprintf("type %v is not a response", responseType))
	}
	return result, nil
}
