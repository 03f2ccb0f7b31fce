package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/jasmin-go/jasmin/internal/routable"
	"github.com/jasmin-go/jasmin/internal/smpppdu"
	"github.com/jasmin-go/jasmin/internal/ucs"
)

// rateResponse is spec.md §6's /rate JSON shape.
type rateResponse struct {
	SubmitSmCount int     `json:"submit_sm_count"`
	UnitRate      float64 `json:"unit_rate"`
}

// Rate implements GET /rate: resolves the route a submit with these
// parameters would take and reports its per-part rate and part count,
// without any of Submit's side effects (no charge, no publish, no DLR
// correlation) — a dry run of the segmentation + routing steps of
// spec.md §4.2.
func (a *API) Rate(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	username, password := q.Get("username"), q.Get("password")
	to := q.Get("to")

	if username == "" || password == "" {
		writeJSONError(w, http.StatusBadRequest, "validation", "username and password are mandatory")
		return
	}
	if to == "" {
		writeJSONError(w, http.StatusBadRequest, "validation", "to is mandatory")
		return
	}

	user, err := a.Users.Authenticate(username, ucs.DigestOf(password))
	if err != nil {
		writeJSONError(w, http.StatusForbidden, "authentication", err.Error())
		return
	}

	content := q.Get("content")
	destAddr := user.MT.ApplyDefault("destination_addr", to)
	content = user.MT.ApplyDefault("short_message", content)

	rt := routable.New(routable.MT)
	rt.SourceAddr = ""
	rt.DestinationAddr = destAddr
	rt.ShortMessage = content
	rt.UserID = user.ID
	rt.GroupID = user.GroupID
	if tags := q.Get("tags"); tags != "" {
		parsed, err := parseTags(tags)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "validation", err.Error())
			return
		}
		for _, t := range parsed {
			rt.Tags[t] = struct{}{}
		}
	}

	matched, err := a.Routes.Match(rt)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "routing", err.Error())
		return
	}

	segments := 1
	if content != "" {
		segments = len(smpppdu.BuildUDHSegments([]byte(content), 140, 0))
	}

	resp := rateResponse{SubmitSmCount: segments, UnitRate: matched.Rate}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
