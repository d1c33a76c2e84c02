package adapters

import (
	"encoding/json"
	"fmt"
	"strconv"
)

func decodeJSON(body []byte, out any) error {
	return json.Unmarshal(body, out)
}

// ParseFloat accepts the string or number encodings exchanges use for prices.
func ParseFloat(v any) (float64, error) {
	switch x := v.(type) {
	case string:
		return strconv.ParseFloat(x, 64)
	case float64:
		return x, nil
	case json.Number:
		return x.Float64()
	case int64:
		return float64(x), nil
	case int:
		return float64(x), nil
	case nil:
		return 0, fmt.Errorf("missing value")
	}
	return 0, fmt.Errorf("unexpected numeric type %T", v)
}

// MustFloat is ParseFloat returning 0 on error, for optional fields.
func MustFloat(v any) float64 {
	f, err := ParseFloat(v)
	if err != nil {
		return 0
	}
	return f
}
