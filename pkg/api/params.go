package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"
)

const defaultLookbackDays = 7

func queryInt(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", key)
	}
	return n, nil
}

func queryTime(r *http.Request, key string) (time.Time, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s must be an RFC 3339 timestamp", key)
	}
	return t.UTC(), nil
}

// querySince reads "since" as a timestamp, or "days" as a lookback from now.
// Without either it looks back defaultLookbackDays.
func querySince(r *http.Request, now time.Time) (time.Time, error) {
	since, err := queryTime(r, "since")
	if err != nil || !since.IsZero() {
		return since, err
	}
	days, err := queryInt(r, "days", defaultLookbackDays)
	if err != nil {
		return time.Time{}, err
	}
	return now.UTC().AddDate(0, 0, -days), nil
}

func pagination(r *http.Request) (limit, offset int, err error) {
	if limit, err = queryInt(r, "limit", 0); err != nil {
		return 0, 0, err
	}
	if offset, err = queryInt(r, "offset", 0); err != nil {
		return 0, 0, err
	}
	return limit, offset, nil
}
