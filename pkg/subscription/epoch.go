package subscription

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

// maxEpochSeconds is 9999-12-31T23:59:59Z.
const maxEpochSeconds = 253402300799

// EpochTime converts a provider epoch-seconds value to a UTC time.
//
// A JSON number or a numeric JSON string greater than zero converts; null,
// missing, empty, non-numeric, non-positive or out-of-range input yields nil.
func EpochTime(raw json.RawMessage) *time.Time {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		var str string
		if err := json.Unmarshal([]byte(s), &str); err != nil {
			return nil
		}
		s = strings.TrimSpace(str)
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return EpochSeconds(int64(f))
}

// EpochSeconds converts a typed epoch-seconds value; zero or negative is absent.
func EpochSeconds(sec int64) *time.Time {
	if sec <= 0 || sec > maxEpochSeconds {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}
