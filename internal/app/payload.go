package app

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	apperrors "github.com/pscheid92/gridpulse/internal/platform/errors"
)

// decodeObject decodes a queue body. Anything other than a JSON object is a
// decode error.
func decodeObject(body []byte) (map[string]any, error) {
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, apperrors.DecodeError("payload is not valid JSON", err)
	}
	if payload == nil {
		return nil, apperrors.DecodeError("payload is not a JSON object", nil)
	}
	return payload, nil
}

// truthy follows the publishers' notion of a present field: null, false, 0
// and "" count as absent.
func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case float64:
		return t != 0 && !math.IsNaN(t)
	case string:
		return t != ""
	default:
		return true
	}
}

// maxExactID is the largest magnitude a JSON number can carry while still
// naming exactly one integer.
const maxExactID = 1 << 53

// idField reads an identifier that publishers send as a string or an integer.
// It returns ok=false when the field is absent, and a routing error when it
// has a type that cannot name a user.
func idField(payload map[string]any, key string) (string, bool, error) {
	v := payload[key]
	if !truthy(v) {
		return "", false, nil
	}
	switch id := v.(type) {
	case string:
		return id, true, nil
	case float64:
		if id != math.Trunc(id) || math.Abs(id) > maxExactID {
			return "", false, apperrors.RoutingError(fmt.Sprintf("%s must be an integer within ±2^53 or a string", key), nil).WithContext("field", key)
		}
		return strconv.FormatInt(int64(id), 10), true, nil
	default:
		return "", false, apperrors.RoutingError(fmt.Sprintf("%s has unexpected type %T", key, v), nil).WithContext("field", key)
	}
}

func stringField(payload map[string]any, key, fallback string) string {
	if s, ok := payload[key].(string); ok && s != "" {
		return s
	}
	return fallback
}

func numberField(payload map[string]any, key string) *float64 {
	if f, ok := payload[key].(float64); ok {
		return &f
	}
	return nil
}
