package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// dlrStatusResponse is the read-only correlation view GET /dlr/{id}
// exposes: what the hot store currently knows about a submitted message's
// pending delivery receipt. The original ships this as a standalone
// dlrlookupd daemon; here it is a thin handler over the same store.
type dlrStatusResponse struct {
	MessageID       string `json:"message_id"`
	UserID          string `json:"user_id"`
	ConnectorID     string `json:"connector_id"`
	DLRLevel        int    `json:"dlr_level"`
	DLRURL          string `json:"dlr_url,omitempty"`
	DLRMethod       string `json:"dlr_method,omitempty"`
	OriginSystemID  string `json:"origin_system_id,omitempty"`
	PartCount       int    `json:"part_count"`
	PartsDelivered  int    `json:"parts_delivered"`
}

// DLRStatus implements GET /dlr/{id}. A missing record means either the
// message never requested a DLR, its receipt already arrived (the record
// is deleted on the terminal DLR), or the correlation TTL expired.
func (a *API) DLRStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, err := a.Hot.GetDLR(r.Context(), id)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "transport", "hot store lookup failed")
		return
	}
	if rec == nil {
		writeJSONError(w, http.StatusNotFound, "not_found", "no pending DLR correlation for this message id")
		return
	}
	writeJSON(w, http.StatusOK, dlrStatusResponse{
		MessageID:      id,
		UserID:         rec.UserID,
		ConnectorID:    rec.ConnectorID,
		DLRLevel:       rec.DLRLevel,
		DLRURL:         rec.DLRURL,
		DLRMethod:      rec.DLRMethod,
		OriginSystemID: rec.OriginSystemID,
		PartCount:      rec.PartCount,
		PartsDelivered: rec.PartsDelivered,
	})
}
