package api

import (
	"encoding/json"
	"net/http"
	"strconv"
)

func writeJSON(w http.ResponseWriter, v any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("encode response", "err", err)
	}
}

// writeDetail renders {"detail": msg}, used where clients act on the reason
// (conflicts and quota rejections).
func writeDetail(w http.ResponseWriter, msg string, status int) {
	writeJSON(w, map[string]string{"detail": msg}, status)
}

// pagination reads limit and offset, clamping limit to (0, upper].
func pagination(r *http.Request, def, upper int) (limit, offset int) {
	limit = def
	q := r.URL.Query()
	if l := q.Get("limit"); l != "" {
		if v, err := strconv.Atoi(l); err == nil && v > 0 && v <= upper {
			limit = v
		}
	}
	if o := q.Get("offset"); o != "" {
		if v, err := strconv.Atoi(o); err == nil && v >= 0 {
			offset = v
		}
	}
	return limit, offset
}
