package engine

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"math"
)

// Reading is a measurement that may be non-finite, e.g. the Gini of a
// zero-wealth economy in legacy mode. Non-finite values encode as JSON null
// and SQL NULL, and decode back as NaN.
type Reading float64

// Finite reports whether the reading is a usable number.
func (r Reading) Finite() bool {
	f := float64(r)
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// MarshalJSON implements json.Marshaler.
func (r Reading) MarshalJSON() ([]byte, error) {
	if !r.Finite() {
		return []byte("null"), nil
	}
	return json.Marshal(float64(r))
}

// UnmarshalJSON implements json.Unmarshaler.
func (r *Reading) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*r = Reading(math.NaN())
		return nil
	}
	var f float64
	if err := json.Unmarshal(b, &f); err != nil {
		return err
	}
	*r = Reading(f)
	return nil
}

// Value implements driver.Valuer.
func (r Reading) Value() (driver.Value, error) {
	if !r.Finite() {
		return nil, nil
	}
	return float64(r), nil
}

// Scan implements sql.Scanner.
func (r *Reading) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*r = Reading(math.NaN())
	case float64:
		*r = Reading(v)
	case int64:
		*r = Reading(v)
	default:
		return fmt.Errorf("reading: cannot scan %T", src)
	}
	return nil
}
