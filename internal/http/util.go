package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"tickstock-stream/internal/aggregator"
	"tickstock-stream/internal/cache"
	"tickstock-stream/internal/flow"
	"tickstock-stream/internal/models"
)

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor 错误 → HTTP 状态码
func statusFor(err error) int {
	switch {
	case errors.Is(err, aggregator.ErrInvalidParameter),
		errors.Is(err, models.ErrUnknownTier),
		errors.Is(err, cache.ErrInvalidLimit):
		return http.StatusBadRequest
	case errors.Is(err, flow.ErrFlowNotFound):
		return http.StatusNotFound
	case errors.Is(err, flow.ErrStoreUnavailable),
		errors.Is(err, aggregator.ErrTierTimeout):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), errorBody{Error: err.Error()})
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", aggregator.ErrInvalidParameter, fmt.Sprintf(format, args...))
}

func parseIntParam(r *http.Request, name string, def int) (int, error) {
	s := strings.TrimSpace(r.URL.Query().Get(name))
	if s == "" {
		return def, nil
	}
	i, err := strconv.Atoi(s)
	if err != nil {
		return 0, invalid("%s must be an integer", name)
	}
	return i, nil
}

func parseFloatParam(r *http.Request, name string, def float64) (float64, error) {
	s := strings.TrimSpace(r.URL.Query().Get(name))
	if s == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, invalid("%s must be a finite number", name)
	}
	return f, nil
}

func parseBoolParam(r *http.Request, name string) (bool, error) {
	s := strings.TrimSpace(r.URL.Query().Get(name))
	if s == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return false, invalid("%s must be a boolean", name)
	}
	return b, nil
}

// parseTimeParam RFC3339 或 unix 秒（可带小数）
func parseTimeParam(r *http.Request, name string, def time.Time) (time.Time, error) {
	s := strings.TrimSpace(r.URL.Query().Get(name))
	if s == "" {
		return def, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return time.Time{}, invalid("%s must be RFC3339 or unix seconds", name)
	}
	return models.UnixFloatToTime(f), nil
}

// splitParam 逗号分隔列表
func splitParam(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
