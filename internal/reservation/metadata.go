package reservation

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrMetadataFormat means custom_id is not a JSON object.
	ErrMetadataFormat = errors.New("reservation metadata is not a JSON object")
	// ErrMetadataIncomplete means one or more mandatory fields are missing or empty.
	ErrMetadataIncomplete = errors.New("reservation metadata is incomplete")
)

// Metadata is the reservation context the checkout page stores in the PayPal
// order's custom_id and PayPal hands back untouched.
type Metadata struct {
	ReservationID string `json:"reservation_id"`
	UserID        string `json:"user_id"`
	CheckIn       string `json:"check_in"`
	CheckOut      string `json:"check_out"`
	RoomID        string `json:"room_id"`
}

// ParseMetadata decodes and validates a custom_id value.
func ParseMetadata(customID string) (Metadata, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(customID), &fields); err != nil || fields == nil {
		return Metadata{}, ErrMetadataFormat
	}

	var md Metadata
	var missing []string
	for _, f := range []struct {
		name string
		dst  *string
	}{
		{"reservation_id", &md.ReservationID},
		{"user_id", &md.UserID},
		{"check_in", &md.CheckIn},
		{"check_out", &md.CheckOut},
		{"room_id", &md.RoomID},
	} {
		v, ok := scalar(fields[f.name])
		if !ok {
			missing = append(missing, f.name)
			continue
		}
		*f.dst = v
	}
	if len(missing) > 0 {
		return Metadata{}, fmt.Errorf("%w: missing %s", ErrMetadataIncomplete, strings.Join(missing, ", "))
	}
	return md, nil
}

// scalar accepts non-empty strings and non-zero numbers; ids generated as
// integers by the database arrive unquoted and start at 1.
func scalar(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		s = strings.TrimSpace(s)
		return s, s != ""
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		if f, err := n.Float64(); err != nil || f == 0 {
			return "", false
		}
		return n.String(), true
	}
	return "", false
}
