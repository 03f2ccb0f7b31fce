package ucs

import "regexp"

// MTCredential governs a user's MT (mobile-terminated / submit) privileges:
// per-field authorizations, value filters, forced defaults, and quotas.
type MTCredential struct {
	Authorizations map[string]bool
	ValueFilters   map[string]*regexp.Regexp
	DefaultValues  map[string]string

	Balance                     BalanceQuota
	SubmitSmCount               CountQuota
	EarlyDecrementBalancePercent int // 0..100
	HTTPThroughput              float64 // requests/sec cap, 0 = unlimited
	SMPPsThroughput             float64 // requests/sec cap, 0 = unlimited
}

// NewMTCredential returns a permissive credential with unlimited quotas —
// callers tighten it explicitly, mirroring how the original admin CLI
// builds up a credential via successive authorization/filter/quota edits.
func NewMTCredential() *MTCredential {
	return &MTCredential{
		Authorizations: make(map[string]bool),
		ValueFilters:   make(map[string]*regexp.Regexp),
		DefaultValues:  make(map[string]string),
		Balance:        UnlimitedBalance(),
		SubmitSmCount:  UnlimitedCount(),
	}
}

// Authorized reports whether the named action is permitted. Unknown
// actions default to denied — an authorization map only grants, never
// implicitly allows.
func (c *MTCredential) Authorized(action string) bool {
	return c.Authorizations[action]
}

// ValidateField applies the value-filter regex for a field, if one is
// configured. No configured filter means the field is unconstrained.
func (c *MTCredential) ValidateField(field, value string) bool {
	re, ok := c.ValueFilters[field]
	if !ok {
		return true
	}
	return re.MatchString(value)
}

// ApplyDefault overwrites value with the credential's configured default
// for field, if one is present (spec.md §4.2 step 2: "overwrite forbidden
// fields with credential defaults").
func (c *MTCredential) ApplyDefault(field, value string) string {
	if def, ok := c.DefaultValues[field]; ok {
		return def
	}
	return value
}

// SMPPsCredential governs a user's SMPP-server bind privileges.
type SMPPsCredential struct {
	AuthorizedBind bool
	MaxBindings    CountQuota
}

// NewSMPPsCredential returns a credential denying bind by default.
func NewSMPPsCredential() *SMPPsCredential {
	return &SMPPsCredential{
		AuthorizedBind: false,
		MaxBindings:    NewCountQuota(1),
	}
}
