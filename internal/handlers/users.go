package handlers

import (
	"log/slog"
	"net/http"
)

// HandleMe answers with the authenticated user.
func (m Main) HandleMe(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, userFromContext(r.Context()))
}

// HandleUsageSummary answers with the token usage of the authenticated user across all threads.
func (m Main) HandleUsageSummary(w http.ResponseWriter, r *http.Request) {
	user := userFromContext(r.Context())
	sum, err := m.store.UsageSummary(r.Context(), user.ID)
	if err != nil {
		m.logger.Error("Failed to get usage summary",
			slog.String("userID", string(user.ID)),
			slog.String("err", err.Error()))
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	writeJSON(w, http.StatusOK, sum)
}
