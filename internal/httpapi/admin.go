package httpapi

import (
	"encoding/json"
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"

	"github.com/jasmin-go/jasmin/internal/scm"
	"github.com/jasmin-go/jasmin/internal/ucs"
)

// The admin surface mirrors the shape of the original jcli commands
// (user -a, group -a, smppccm -1 ...) as a JSON CRUD API. It is mounted
// under /secure behind the adminAuth bearer-token middleware (auth.go),
// the HTTP counterpart of the login prompt the original's telnet CLI put
// in front of these same operations.

type userSummary struct {
	ID       string `json:"id"`
	GroupID  string `json:"group_id"`
	Username string `json:"username"`
	Enabled  bool   `json:"enabled"`
	Balance  any    `json:"balance"`
	SmsCount any    `json:"sms_count"`
}

func summarize(u *ucs.User) userSummary {
	s := userSummary{
		ID:       u.ID,
		GroupID:  u.GroupID,
		Username: u.Username,
		Enabled:  u.Enabled,
		Balance:  "ND",
		SmsCount: "ND",
	}
	if !u.MT.Balance.Unlimited {
		s.Balance = u.MT.Balance.Value
	}
	if !u.MT.SubmitSmCount.Unlimited {
		s.SmsCount = u.MT.SubmitSmCount.Value
	}
	return s
}

// ListUsers implements GET /secure/user/.
func (a *API) ListUsers(w http.ResponseWriter, r *http.Request) {
	_, users := a.Users.Snapshot()
	out := make([]userSummary, 0, len(users))
	for _, u := range users {
		out = append(out, summarize(u))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	writeJSON(w, http.StatusOK, out)
}

type createUserRequest struct {
	ID       string `json:"id"`
	GroupID  string `json:"group_id"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// CreateUser implements POST /secure/user/.
func (a *API) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "validation", "invalid JSON body")
		return
	}
	if req.ID == "" || req.GroupID == "" || req.Username == "" || req.Password == "" {
		writeJSONError(w, http.StatusBadRequest, "validation", "id, group_id, username and password are mandatory")
		return
	}

	u := ucs.NewUser(req.ID, req.GroupID, req.Username, req.Password)
	if err := a.Users.AddUser(u); err != nil {
		writeJSONError(w, http.StatusConflict, "conflict", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, summarize(u))
}

// GetUser implements GET /secure/user/{id}.
func (a *API) GetUser(w http.ResponseWriter, r *http.Request) {
	u, ok := a.Users.GetUser(chi.URLParam(r, "id"))
	if !ok {
		writeJSONError(w, http.StatusNotFound, "not_found", "unknown user")
		return
	}
	writeJSON(w, http.StatusOK, summarize(u))
}

// DeleteUser implements DELETE /secure/user/{id}.
func (a *API) DeleteUser(w http.ResponseWriter, r *http.Request) {
	if err := a.Users.RemoveUser(chi.URLParam(r, "id")); err != nil {
		writeJSONError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

type quotaRequest struct {
	Balance       string `json:"balance,omitempty"`
	SubmitSmCount string `json:"submit_sm_count,omitempty"`
}

// UpdateUserQuota implements POST /secure/user/{id}/quota: the "+N"/"-N"
// relative (or bare-N absolute) quota mutation syntax of the original
// admin CLI, applied to balance and/or submit_sm_count.
func (a *API) UpdateUserQuota(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req quotaRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "validation", "invalid JSON body")
		return
	}
	if req.Balance == "" && req.SubmitSmCount == "" {
		writeJSONError(w, http.StatusBadRequest, "validation", "balance or submit_sm_count delta is mandatory")
		return
	}

	if req.Balance != "" {
		if _, err := a.Users.ApplyBalanceDelta(id, req.Balance); err != nil {
			writeJSONError(w, http.StatusBadRequest, "validation", err.Error())
			return
		}
	}
	if req.SubmitSmCount != "" {
		if _, err := a.Users.ApplySubmitCountDelta(id, req.SubmitSmCount); err != nil {
			writeJSONError(w, http.StatusBadRequest, "validation", err.Error())
			return
		}
	}

	u, ok := a.Users.GetUser(id)
	if !ok {
		writeJSONError(w, http.StatusNotFound, "not_found", "unknown user")
		return
	}
	writeJSON(w, http.StatusOK, summarize(u))
}

type groupSummary struct {
	ID      string `json:"id"`
	Enabled bool   `json:"enabled"`
}

// ListGroups implements GET /secure/group/.
func (a *API) ListGroups(w http.ResponseWriter, r *http.Request) {
	groups, _ := a.Users.Snapshot()
	out := make([]groupSummary, 0, len(groups))
	for _, g := range groups {
		out = append(out, groupSummary{ID: g.ID, Enabled: g.Enabled})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	writeJSON(w, http.StatusOK, out)
}

// CreateGroup implements POST /secure/group/.
func (a *API) CreateGroup(w http.ResponseWriter, r *http.Request) {
	var req groupSummary
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "validation", "invalid JSON body")
		return
	}
	if req.ID == "" {
		writeJSONError(w, http.StatusBadRequest, "validation", "id is mandatory")
		return
	}
	if err := a.Users.AddGroup(ucs.NewGroup(req.ID)); err != nil {
		writeJSONError(w, http.StatusConflict, "conflict", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, groupSummary{ID: req.ID, Enabled: true})
}

// DeleteGroup implements DELETE /secure/group/{id}. Removal cascades to
// the group's member users.
func (a *API) DeleteGroup(w http.ResponseWriter, r *http.Request) {
	if err := a.Users.RemoveGroup(chi.URLParam(r, "id")); err != nil {
		writeJSONError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// EnableGroup implements PUT /secure/group/{id}/enable.
func (a *API) EnableGroup(w http.ResponseWriter, r *http.Request) {
	if err := a.Users.EnableGroup(chi.URLParam(r, "id")); err != nil {
		writeJSONError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "enabled"})
}

// DisableGroup implements PUT /secure/group/{id}/disable. Every member
// user fails authentication while the group is disabled.
func (a *API) DisableGroup(w http.ResponseWriter, r *http.Request) {
	if err := a.Users.DisableGroup(chi.URLParam(r, "id")); err != nil {
		writeJSONError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "disabled"})
}

type connectorSummary struct {
	CID           string `json:"cid"`
	SessionState  string `json:"session_state"`
	ServiceStatus int    `json:"service_status"`
	StartCount    int64  `json:"start_count"`
	StopCount     int64  `json:"stop_count"`
	InFlight      int64  `json:"in_flight"`
	LastBoundAt   string `json:"last_bound_at,omitempty"`
}

// ListConnectors implements GET /secure/connector/.
func (a *API) ListConnectors(w http.ResponseWriter, r *http.Request) {
	if a.SCM == nil {
		writeJSONError(w, http.StatusNotImplemented, "not_implemented", "connector management is not available on this daemon")
		return
	}
	ids := a.SCM.List()
	out := make([]connectorSummary, 0, len(ids))
	for _, cid := range ids {
		d, err := a.SCM.Details(cid)
		if err != nil {
			continue // removed between List and Details
		}
		out = append(out, connectorSummaryOf(d))
	}
	writeJSON(w, http.StatusOK, out)
}

// GetConnector implements GET /secure/connector/{id}.
func (a *API) GetConnector(w http.ResponseWriter, r *http.Request) {
	if a.SCM == nil {
		writeJSONError(w, http.StatusNotImplemented, "not_implemented", "connector management is not available on this daemon")
		return
	}
	d, err := a.SCM.Details(chi.URLParam(r, "id"))
	if err != nil {
		writeJSONError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, connectorSummaryOf(d))
}

// StartConnector implements POST /secure/connector/{id}/start.
func (a *API) StartConnector(w http.ResponseWriter, r *http.Request) {
	if a.SCM == nil {
		writeJSONError(w, http.StatusNotImplemented, "not_implemented", "connector management is not available on this daemon")
		return
	}
	if err := a.SCM.Start(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeJSONError(w, http.StatusConflict, "conflict", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "started"})
}

// StopConnector implements POST /secure/connector/{id}/stop.
func (a *API) StopConnector(w http.ResponseWriter, r *http.Request) {
	if a.SCM == nil {
		writeJSONError(w, http.StatusNotImplemented, "not_implemented", "connector management is not available on this daemon")
		return
	}
	if err := a.SCM.Stop(chi.URLParam(r, "id")); err != nil {
		writeJSONError(w, http.StatusConflict, "conflict", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func connectorSummaryOf(d scm.ConnectorDetails) connectorSummary {
	s := connectorSummary{
		CID:          d.CID,
		SessionState: d.State.String(),
		StartCount:   d.StartCount,
		StopCount:    d.StopCount,
		InFlight:     d.InFlight,
	}
	switch d.State {
	case scm.StateBoundRX, scm.StateBoundTX, scm.StateBoundTRX:
		s.ServiceStatus = 1
	}
	if !d.LastBoundAt.IsZero() {
		s.LastBoundAt = d.LastBoundAt.UTC().Format("2006-01-02T15:04:05Z07:00")
	}
	return s
}
