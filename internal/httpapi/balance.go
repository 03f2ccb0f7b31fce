package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/jasmin-go/jasmin/internal/ucs"
)

// balanceResponse is spec.md §6's /balance JSON shape: balance/sms_count
// are either a number or the literal string "ND" (not defined) when the
// user's quota is unlimited, matching the original daemon's convention.
type balanceResponse struct {
	Balance  any `json:"balance"`
	SmsCount any `json:"sms_count"`
}

// Balance implements GET /balance.
func (a *API) Balance(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	username, password := q.Get("username"), q.Get("password")
	if username == "" || password == "" {
		writeJSONError(w, http.StatusBadRequest, "validation", "username and password are mandatory")
		return
	}

	user, err := a.Users.Authenticate(username, ucs.DigestOf(password))
	if err != nil {
		writeJSONError(w, http.StatusForbidden, "authentication", err.Error())
		return
	}

	resp := balanceResponse{}
	if user.MT.Balance.Unlimited {
		resp.Balance = "ND"
	} else {
		resp.Balance = user.MT.Balance.Value
	}
	if user.MT.SubmitSmCount.Unlimited {
		resp.SmsCount = "ND"
	} else {
		resp.SmsCount = user.MT.SubmitSmCount.Value
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
