package continuation

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// encMode uses Core Deterministic Encoding so identical inputs always
// produce identical queue payloads. Times are RFC 3339 with nanoseconds
// because staleness checks compare them exactly.
var encMode cbor.EncMode

var decMode cbor.DecMode

func init() {
	var err error
	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("continuation: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("continuation: CBOR decoder initialization failed: " + err.Error())
	}
}

// EncodeInput serializes an Input for the durable queue.
func EncodeInput(in Input) ([]byte, error) {
	if in.EnvironmentID == "" {
		return nil, errors.New("input environment id is required")
	}
	data, err := encMode.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("encode continuation input: %w", err)
	}
	return data, nil
}

// DecodeInput parses a queue payload.
func DecodeInput(data []byte) (Input, error) {
	var in Input
	if err := decMode.Unmarshal(data, &in); err != nil {
		return Input{}, fmt.Errorf("decode continuation input: %w", err)
	}
	if in.EnvironmentID == "" {
		return Input{}, errors.New("decoded input has no environment id")
	}
	return in, nil
}
