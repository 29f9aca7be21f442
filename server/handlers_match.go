package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/onnwee/chat-pulse/pipeline"
)

// HandleMatch returns the cross-recording alignment of two videos' detected
// events. A stored result is returned when present; otherwise the alignment
// is computed from the stored events and persisted.
func (h *Handlers) HandleMatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	a := r.URL.Query().Get("a")
	b := r.URL.Query().Get("b")
	if a == "" || b == "" {
		http.Error(w, "query params a and b required", http.StatusBadRequest)
		return
	}
	out, err := pipeline.GetOrComputeMatch(r.Context(), h.db, a, b)
	if err != nil {
		if strings.Contains(err.Error(), "not found") {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		if strings.Contains(err.Error(), "itself") || strings.Contains(err.Error(), "required") {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}
