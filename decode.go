package evsource

import (
	"encoding/json"
	"fmt"
)

// decodePayload turns one inbound payload into the caller's declared type.
//
// Text payloads ([]byte, json.RawMessage, string) are parsed as JSON.
// Anything else is already structured and is passed through unchanged via a
// type assertion. The function is pure and stateless; a failure is returned,
// never propagated into the dispatch layer.
func decodePayload[T any](data any) (T, error) {
	var v T
	switch raw := data.(type) {
	case json.RawMessage:
		if err := json.Unmarshal(raw, &v); err != nil {
			return v, fmt.Errorf("evsource: decode payload: %w", err)
		}
		return v, nil
	case []byte:
		if err := json.Unmarshal(raw, &v); err != nil {
			return v, fmt.Errorf("evsource: decode payload: %w", err)
		}
		return v, nil
	case string:
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return v, fmt.Errorf("evsource: decode payload: %w", err)
		}
		return v, nil
	default:
		typed, ok := data.(T)
		if !ok {
			return v, fmt.Errorf("%w: got %T", ErrPayloadType, data)
		}
		return typed, nil
	}
}
