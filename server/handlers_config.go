package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"strings"
)

// safeConfigKeys are the tunables exposed over /config. Secrets (tokens,
// credentials, encryption keys) are never listed here.
var safeConfigKeys = map[string]bool{
	"LOG_LEVEL":                 true,
	"LOG_FORMAT":                true,
	"DETECT_POLL_INTERVAL":      true,
	"DETECT_MAX_ATTEMPTS":       true,
	"DETECT_RETRY_COOLDOWN":     true,
	"MAX_CONCURRENT_DETECTIONS": true,
	"ANALYTICS_CRON":            true,
	"ANALYTICS_MAX_CHANNELS":    true,
	"RETENTION_DAYS":            true,
	"RETENTION_SWEEP_INTERVAL":  true,
	"CHAT_LOG_DIR":              true,
}

// HandleConfig handles GET and PUT requests for safe configuration keys.
// Values set via PUT are stored in kv under a cfg: prefix and take
// precedence over the environment on read.
func (h *Handlers) HandleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		out := map[string]string{}
		for k := range safeConfigKeys {
			var v string
			_ = h.db.QueryRowContext(r.Context(), `SELECT value FROM kv WHERE key=$1`, "cfg:"+k).Scan(&v)
			if v == "" {
				v = os.Getenv(k)
			}
			if v != "" {
				out[k] = v
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(out)
	case http.MethodPut:
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		for k, v := range body {
			if !safeConfigKeys[k] {
				continue
			}
			if _, err := h.db.ExecContext(
				r.Context(),
				`INSERT INTO kv (key,value,updated_at) VALUES ($1,$2,NOW()) ON CONFLICT(key) DO UPDATE SET value=EXCLUDED.value, updated_at=NOW()`,
				"cfg:"+k,
				strings.TrimSpace(v),
			); err != nil {
				slog.Error("failed to update config", slog.String("key", k), slog.Any("err", err))
				http.Error(w, "failed to update config", http.StatusInternalServerError)
				return
			}
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}
