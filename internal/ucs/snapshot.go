package ucs

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"regexp"
)

// Snapshot persistence uses a versioned, length-prefixed, tagged-section
// binary format (magic + schema version + a sequence of [tag][payload]
// sections, each length-prefixed) rather than the original's pickle dump,
// per spec.md §9's design note: forward-compatible, language-neutral,
// and safe to partially read. An unrecognized trailing tag is skipped
// rather than failing the load, so a newer writer's extra sections don't
// break an older reader.
const (
	snapshotMagic   = "JUCS"
	snapshotVersion = uint32(1)

	tagGroups = "groups"
	tagUsers  = "users"
)

// groupRecord/userRecord are the JSON-serializable wire shapes for each
// section. Regexes in ValueFilters are stored as their pattern strings.
type groupRecord struct {
	ID      string `json:"id"`
	Enabled bool   `json:"enabled"`
}

type userRecord struct {
	ID             string            `json:"id"`
	GroupID        string            `json:"group_id"`
	Username       string            `json:"username"`
	PasswordDigest [16]byte          `json:"password_digest"`
	Enabled        bool              `json:"enabled"`
	MT             mtCredentialRecord `json:"mt"`
	SMPPs          smppsCredentialRecord `json:"smpps"`
}

type mtCredentialRecord struct {
	Authorizations               map[string]bool   `json:"authorizations"`
	ValueFilters                  map[string]string `json:"value_filters"`
	DefaultValues                 map[string]string `json:"default_values"`
	BalanceUnlimited               bool    `json:"balance_unlimited"`
	Balance                         float64 `json:"balance"`
	SubmitSmCountUnlimited          bool    `json:"submit_sm_count_unlimited"`
	SubmitSmCount                   int64   `json:"submit_sm_count"`
	EarlyDecrementBalancePercent    int     `json:"early_decrement_balance_percent"`
	HTTPThroughput                  float64 `json:"http_throughput"`
	SMPPsThroughput                 float64 `json:"smpps_throughput"`
}

type smppsCredentialRecord struct {
	AuthorizedBind       bool  `json:"authorized_bind"`
	MaxBindingsUnlimited bool  `json:"max_bindings_unlimited"`
	MaxBindings          int64 `json:"max_bindings"`
}

// Persist writes a snapshot of the store's current groups and users to path.
// The snapshot is taken under a single read lock (Snapshot), so a concurrent
// admin mutation can never be half-reflected in the file.
func (s *Store) Persist(path string) error {
	data, err := s.encodeSnapshot()
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// encodeSnapshot serializes the store into the snapshot wire format.
func (s *Store) encodeSnapshot() ([]byte, error) {
	groups, users := s.Snapshot()

	var buf bytes.Buffer
	buf.WriteString(snapshotMagic)
	if err := binary.Write(&buf, binary.BigEndian, snapshotVersion); err != nil {
		return nil, err
	}

	groupRecords := make([]groupRecord, 0, len(groups))
	for _, g := range groups {
		groupRecords = append(groupRecords, groupRecord{ID: g.ID, Enabled: g.Enabled})
	}
	if err := writeSection(&buf, tagGroups, groupRecords); err != nil {
		return nil, err
	}

	userRecords := make([]userRecord, 0, len(users))
	for _, u := range users {
		vf := make(map[string]string, len(u.MT.ValueFilters))
		for k, re := range u.MT.ValueFilters {
			vf[k] = re.String()
		}
		userRecords = append(userRecords, userRecord{
			ID:             u.ID,
			GroupID:        u.GroupID,
			Username:       u.Username,
			PasswordDigest: u.PasswordDigest,
			Enabled:        u.Enabled,
			MT: mtCredentialRecord{
				Authorizations:               u.MT.Authorizations,
				ValueFilters:                 vf,
				DefaultValues:                u.MT.DefaultValues,
				BalanceUnlimited:             u.MT.Balance.Unlimited,
				Balance:                      u.MT.Balance.Value,
				SubmitSmCountUnlimited:       u.MT.SubmitSmCount.Unlimited,
				SubmitSmCount:                u.MT.SubmitSmCount.Value,
				EarlyDecrementBalancePercent: u.MT.EarlyDecrementBalancePercent,
				HTTPThroughput:               u.MT.HTTPThroughput,
				SMPPsThroughput:              u.MT.SMPPsThroughput,
			},
			SMPPs: smppsCredentialRecord{
				AuthorizedBind:       u.SMPPs.AuthorizedBind,
				MaxBindingsUnlimited: u.SMPPs.MaxBindings.Unlimited,
				MaxBindings:          u.SMPPs.MaxBindings.Value,
			},
		})
	}
	if err := writeSection(&buf, tagUsers, userRecords); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// Load reads a snapshot written by Persist and restores it into the store.
func (s *Store) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return s.decodeSnapshot(data)
}

// decodeSnapshot parses snapshot bytes and restores them into the store.
func (s *Store) decodeSnapshot(data []byte) error {
	r := bytes.NewReader(data)

	magic := make([]byte, len(snapshotMagic))
	if _, err := io.ReadFull(r, magic); err != nil {
		return fmt.Errorf("read magic: %w", err)
	}
	if string(magic) != snapshotMagic {
		return fmt.Errorf("not a jasmin ucs snapshot (bad magic %q)", magic)
	}

	var version uint32
	if err := binary.Read(r, binary.BigEndian, &version); err != nil {
		return fmt.Errorf("read version: %w", err)
	}
	if version > snapshotVersion {
		return fmt.Errorf("snapshot version %d is newer than supported version %d", version, snapshotVersion)
	}

	var groupRecords []groupRecord
	var userRecords []userRecord

	for {
		tag, payload, err := readSection(r)
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		switch tag {
		case tagGroups:
			if err := json.Unmarshal(payload, &groupRecords); err != nil {
				return fmt.Errorf("decode groups section: %w", err)
			}
		case tagUsers:
			if err := json.Unmarshal(payload, &userRecords); err != nil {
				return fmt.Errorf("decode users section: %w", err)
			}
		default:
			// Unknown section from a newer writer: skip, don't fail.
		}
	}

	groups := make([]*Group, 0, len(groupRecords))
	for _, gr := range groupRecords {
		groups = append(groups, &Group{ID: gr.ID, Enabled: gr.Enabled})
	}

	users := make([]*User, 0, len(userRecords))
	for _, ur := range userRecords {
		u := &User{
			ID:             ur.ID,
			GroupID:        ur.GroupID,
			Username:       ur.Username,
			PasswordDigest: ur.PasswordDigest,
			Enabled:        ur.Enabled,
			MT: &MTCredential{
				Authorizations: ur.MT.Authorizations,
				ValueFilters:   make(map[string]*regexp.Regexp),
				DefaultValues:  ur.MT.DefaultValues,
				Balance: BalanceQuota{
					Unlimited: ur.MT.BalanceUnlimited,
					Value:     ur.MT.Balance,
				},
				SubmitSmCount: CountQuota{
					Unlimited: ur.MT.SubmitSmCountUnlimited,
					Value:     ur.MT.SubmitSmCount,
				},
				EarlyDecrementBalancePercent: ur.MT.EarlyDecrementBalancePercent,
				HTTPThroughput:               ur.MT.HTTPThroughput,
				SMPPsThroughput:              ur.MT.SMPPsThroughput,
			},
			SMPPs: &SMPPsCredential{
				AuthorizedBind: ur.SMPPs.AuthorizedBind,
				MaxBindings: CountQuota{
					Unlimited: ur.SMPPs.MaxBindingsUnlimited,
					Value:     ur.SMPPs.MaxBindings,
				},
			},
		}
		if err := compileValueFilters(u.MT, ur.MT.ValueFilters); err != nil {
			return fmt.Errorf("user %s: %w", ur.ID, err)
		}
		users = append(users, u)
	}

	s.Restore(groups, users)
	return nil
}

// compileValueFilters compiles the stored regex patterns back into
// *regexp.Regexp, populating cred.ValueFilters in place.
func compileValueFilters(cred *MTCredential, patterns map[string]string) error {
	for field, pattern := range patterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return fmt.Errorf("field %s: compile value filter %q: %w", field, pattern, err)
		}
		cred.ValueFilters[field] = re
	}
	return nil
}

// writeSection appends a [tag-len][tag][payload-len][json payload] record.
func writeSection(buf *bytes.Buffer, tag string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal section %s: %w", tag, err)
	}
	if err := binary.Write(buf, binary.BigEndian, uint32(len(tag))); err != nil {
		return err
	}
	buf.WriteString(tag)
	if err := binary.Write(buf, binary.BigEndian, uint32(len(payload))); err != nil {
		return err
	}
	buf.Write(payload)
	return nil
}

// readSection reads one [tag-len][tag][payload-len][payload] record, or
// io.EOF if the reader is exhausted at a section boundary.
func readSection(r *bytes.Reader) (tag string, payload []byte, err error) {
	var tagLen uint32
	if err := binary.Read(r, binary.BigEndian, &tagLen); err != nil {
		if err == io.EOF {
			return "", nil, io.EOF
		}
		return "", nil, fmt.Errorf("read tag length: %w", err)
	}
	tagBytes := make([]byte, tagLen)
	if _, err := io.ReadFull(r, tagBytes); err != nil {
		return "", nil, fmt.Errorf("read tag: %w", err)
	}

	var payloadLen uint32
	if err := binary.Read(r, binary.BigEndian, &payloadLen); err != nil {
		return "", nil, fmt.Errorf("read payload length: %w", err)
	}
	payload = make([]byte, payloadLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return "", nil, fmt.Errorf("read payload: %w", err)
	}
	return string(tagBytes), payload, nil
}
