package httpapi

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/jasmin-go/jasmin/internal/router"
	"github.com/jasmin-go/jasmin/internal/routingerr"
	"github.com/jasmin-go/jasmin/internal/ucs"
)

// sdtPattern matches spec.md §6's scheduled-delivery-time format: a
// 16-digit SMPP absolute time plus its single-char relative-time flag.
var sdtPattern = regexp.MustCompile(`^\d{16}[R+-]$`)

// sendParams is the normalized, validated shape of a /send request,
// regardless of whether it arrived as a form post or a JSON body.
type sendParams struct {
	Username         string
	Password         string
	To               string
	From             string
	Content          string
	HexContent       string
	Coding           string
	Priority         string
	SDT              string
	ValidityPeriod   string
	DLR              string
	DLRURL           string
	DLRLevel         string
	DLRMethod        string
	Tags             string
	CustomTLVs       string
}

// Send implements POST /send: spec.md §6's form/JSON admission endpoint.
// Success and error bodies are literal plain text, not JSON, per the
// spec's documented contract.
func (a *API) Send(w http.ResponseWriter, r *http.Request) {
	p, err := parseSendParams(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	req, err := a.buildSubmitRequest(p)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := a.Core.Submit(r.Context(), *req)
	if err != nil {
		status, msg := mapSubmitError(err)
		writeError(w, status, msg)
		return
	}

	writeSuccess(w, result.MessageID)
}

// parseSendParams reads either a application/x-www-form-urlencoded body or
// a JSON body (spec.md §6: "JSON body alternative with same keys") into a
// sendParams. GET /send is routed here too; its query params are read the
// same way as a form body via r.ParseForm.
func parseSendParams(r *http.Request) (*sendParams, error) {
	ct := r.Header.Get("Content-Type")
	if strings.HasPrefix(ct, "application/json") {
		var raw map[string]string
		if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
			return nil, errf("invalid JSON body: %v", err)
		}
		return &sendParams{
			Username:       raw["username"],
			Password:       raw["password"],
			To:             raw["to"],
			From:           raw["from"],
			Content:        raw["content"],
			HexContent:     raw["hex-content"],
			Coding:         raw["coding"],
			Priority:       raw["priority"],
			SDT:            raw["sdt"],
			ValidityPeriod: raw["validity-period"],
			DLR:            raw["dlr"],
			DLRURL:         raw["dlr-url"],
			DLRLevel:       raw["dlr-level"],
			DLRMethod:      raw["dlr-method"],
			Tags:           raw["tags"],
			CustomTLVs:     raw["custom_tlvs"],
		}, nil
	}

	if err := r.ParseForm(); err != nil {
		return nil, errf("invalid form body: %v", err)
	}
	f := r.Form
	return &sendParams{
		Username:       f.Get("username"),
		Password:       f.Get("password"),
		To:             f.Get("to"),
		From:           f.Get("from"),
		Content:        f.Get("content"),
		HexContent:     f.Get("hex-content"),
		Coding:         f.Get("coding"),
		Priority:       f.Get("priority"),
		SDT:            f.Get("sdt"),
		ValidityPeriod: f.Get("validity-period"),
		DLR:            f.Get("dlr"),
		DLRURL:         f.Get("dlr-url"),
		DLRLevel:       f.Get("dlr-level"),
		DLRMethod:      f.Get("dlr-method"),
		Tags:           f.Get("tags"),
		CustomTLVs:     f.Get("custom_tlvs"),
	}, nil
}

// buildSubmitRequest validates p per spec.md §6's field rules and builds a
// router.SubmitRequest. Validation failures are reported as plain errors,
// not routingerr, since they're rejected before ever reaching the Core
// (mandatory-field/malformed-value checks, distinct from credential-level
// validation the Core itself performs).
func (a *API) buildSubmitRequest(p *sendParams) (*router.SubmitRequest, error) {
	if p.Username == "" || p.Password == "" {
		return nil, errf("username and password are mandatory")
	}
	if p.To == "" {
		return nil, errf("to is mandatory")
	}
	if p.Content == "" && p.HexContent == "" {
		return nil, errf("one of content or hex-content is mandatory")
	}

	content := p.Content
	if content == "" {
		raw, err := hex.DecodeString(p.HexContent)
		if err != nil {
			return nil, errf("hex-content is not valid hex: %v", err)
		}
		content = string(raw)
	}

	req := router.SubmitRequest{
		Username:        p.Username,
		PasswordDigest:  ucs.DigestOf(p.Password),
		SourceAddr:      p.From,
		DestinationAddr: p.To,
		ShortMessage:    content,
	}

	if p.Coding != "" {
		v, err := strconv.Atoi(p.Coding)
		if err != nil {
			return nil, errf("coding must be an integer")
		}
		req.DataCoding = v
	}

	if p.Priority != "" {
		v, err := strconv.Atoi(p.Priority)
		if err != nil || v < 0 || v > 3 {
			return nil, errf("priority must be an integer in 0..3")
		}
		req.Priority = v
	}

	if p.SDT != "" {
		if !sdtPattern.MatchString(p.SDT) {
			return nil, errf("sdt must match ^\\d{16}[R+-]$")
		}
		req.ScheduleTime = p.SDT
	}

	if p.ValidityPeriod != "" {
		v, err := strconv.Atoi(p.ValidityPeriod)
		if err != nil || v < 0 {
			return nil, errf("validity-period must be a non-negative integer number of seconds")
		}
		req.ValidityPeriod = time.Duration(v) * time.Second
	}

	if p.Tags != "" {
		tags, err := parseTags(p.Tags)
		if err != nil {
			return nil, err
		}
		req.Tags = tags
	}

	wantsDLR := p.DLR == "yes"
	if p.DLR != "" && p.DLR != "yes" && p.DLR != "no" {
		return nil, errf("dlr must be yes or no")
	}

	if wantsDLR {
		if p.DLRURL == "" {
			return nil, errf("dlr-url is mandatory when dlr=yes")
		}
		u, err := url.Parse(p.DLRURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return nil, errf("dlr-url must be an http or https URL")
		}
		req.DLRURL = p.DLRURL

		level := 1
		if p.DLRLevel != "" {
			v, err := strconv.Atoi(p.DLRLevel)
			if err != nil || v < 1 || v > 3 {
				return nil, errf("dlr-level must be an integer in 1..3")
			}
			level = v
		}
		req.DLRLevel = level

		method := "POST"
		if p.DLRMethod != "" {
			method = strings.ToUpper(p.DLRMethod)
			if method != "GET" && method != "POST" {
				return nil, errf("dlr-method must be GET or POST")
			}
		}
		req.DLRMethod = method
	}

	return &req, nil
}

// parseTags parses spec.md §6's comma-separated printable tag list into
// the integer tag set routable.Routable.Tags expects.
func parseTags(raw string) ([]int, error) {
	parts := strings.Split(raw, ",")
	tags := make([]int, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		v, err := strconv.Atoi(p)
		if err != nil {
			return nil, errf("tags must be a comma-separated list of integers")
		}
		tags = append(tags, v)
	}
	return tags, nil
}

// mapSubmitError maps a Core.Submit error to spec.md §6's HTTP status
// codes: 403 for authentication failures, 400 for validation/charging/
// throughput rejections the caller can fix by changing the request, 500
// for anything else (routing/transport failures internal to the gateway).
func mapSubmitError(err error) (int, string) {
	switch {
	case routingerr.Is(err, routingerr.Authentication):
		return http.StatusForbidden, err.Error()
	case routingerr.Is(err, routingerr.Validation),
		routingerr.Is(err, routingerr.Charging),
		routingerr.Is(err, routingerr.Throughput):
		return http.StatusBadRequest, err.Error()
	default:
		return http.StatusInternalServerError, err.Error()
	}
}

func errf(format string, args ...any) error {
	return fmt.Errorf(format, args...)
}
