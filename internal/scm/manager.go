package scm

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"

	"github.com/jasmin-go/jasmin/internal/mb"
)

// Manager owns the fleet of connectors: the admin registry spec.md §6
// exposes (add/remove/start/stop/list/details/service-status/session-state
// /connector-config) and the persistence of that registry's configuration.
type Manager struct {
	conn      *mb.Connection
	publisher DelayedPublisher
	deliver   DeliverHandler

	mu         sync.RWMutex
	connectors map[string]*Connector
}

// NewManager builds an empty Manager. conn/publisher back every connector
// this Manager creates; deliver is the router.Core shared by all of them.
func NewManager(conn *mb.Connection, publisher DelayedPublisher, deliver DeliverHandler) *Manager {
	return &Manager{
		conn:       conn,
		publisher:  publisher,
		deliver:    deliver,
		connectors: make(map[string]*Connector),
	}
}

// Add registers a new connector from cfg. It does not start it.
func (m *Manager) Add(cfg ConnectorConfig) error {
	if cfg.CID == "" {
		return fmt.Errorf("scm: connector cid must not be empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.connectors[cfg.CID]; exists {
		return fmt.Errorf("scm: connector %s already exists", cfg.CID)
	}
	m.connectors[cfg.CID] = NewConnector(cfg, m.conn, m.publisher, m.deliver)
	return nil
}

// Remove deletes a connector's registration. It refuses to remove one that
// is still bound, matching the admin contract that start/stop bracket
// add/remove.
func (m *Manager) Remove(cid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.connectors[cid]
	if !ok {
		return fmt.Errorf("scm: unknown connector %s", cid)
	}
	if c.State() != StateNone {
		return fmt.Errorf("scm: connector %s must be stopped before removal", cid)
	}
	delete(m.connectors, cid)
	return nil
}

func (m *Manager) get(cid string) (*Connector, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.connectors[cid]
	if !ok {
		return nil, fmt.Errorf("scm: unknown connector %s", cid)
	}
	return c, nil
}

// Start binds and starts consuming for one connector.
func (m *Manager) Start(ctx context.Context, cid string) error {
	c, err := m.get(cid)
	if err != nil {
		return err
	}
	return c.Start(ctx)
}

// Stop unbinds one connector.
func (m *Manager) Stop(cid string) error {
	c, err := m.get(cid)
	if err != nil {
		return err
	}
	return c.Stop()
}

// StopAll stops every registered connector, collecting (not short-circuiting
// on) per-connector errors so one stuck connector doesn't block the rest.
func (m *Manager) StopAll() []error {
	m.mu.RLock()
	connectors := make([]*Connector, 0, len(m.connectors))
	for _, c := range m.connectors {
		connectors = append(connectors, c)
	}
	m.mu.RUnlock()

	var errs []error
	for _, c := range connectors {
		if err := c.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("connector %s: %w", c.CID(), err))
		}
	}
	return errs
}

// List returns every registered connector id, sorted for stable output.
func (m *Manager) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.connectors))
	for cid := range m.connectors {
		ids = append(ids, cid)
	}
	sort.Strings(ids)
	return ids
}

// Details reports one connector's admin details.
func (m *Manager) Details(cid string) (ConnectorDetails, error) {
	c, err := m.get(cid)
	if err != nil {
		return ConnectorDetails{}, err
	}
	return c.Details(), nil
}

// ServiceStatus reports whether a connector is currently bound in any of
// the BOUND_* states.
func (m *Manager) ServiceStatus(cid string) (bool, error) {
	c, err := m.get(cid)
	if err != nil {
		return false, err
	}
	switch c.State() {
	case StateBoundRX, StateBoundTX, StateBoundTRX:
		return true, nil
	default:
		return false, nil
	}
}

// SessionState reports one connector's raw session state machine value.
func (m *Manager) SessionState(cid string) (State, error) {
	c, err := m.get(cid)
	if err != nil {
		return StateNone, err
	}
	return c.State(), nil
}

// ConnectorConfig returns one connector's durable configuration.
func (m *Manager) ConnectorConfig(cid string) (ConnectorConfig, error) {
	c, err := m.get(cid)
	if err != nil {
		return ConnectorConfig{}, err
	}
	return c.Config(), nil
}

// snapshotMagic/Version mirror internal/ucs/snapshot.go's tagged-section
// binary format: forward-compatible and safe to partially read. The SCM
// store, per spec.md §6, holds only the list of configured connectors,
// never their runtime state (bound session, counters).
const (
	snapshotMagic   = "JSCM"
	snapshotVersion = uint32(1)
	tagConnectors   = "connectors"
)

// Persist writes every registered connector's configuration to path.
func (m *Manager) Persist(path string) error {
	m.mu.RLock()
	configs := make([]ConnectorConfig, 0, len(m.connectors))
	for _, c := range m.connectors {
		configs = append(configs, c.Config())
	}
	m.mu.RUnlock()
	sort.Slice(configs, func(i, j int) bool { return configs[i].CID < configs[j].CID })

	var buf bytes.Buffer
	buf.WriteString(snapshotMagic)
	if err := binary.Write(&buf, binary.BigEndian, snapshotVersion); err != nil {
		return err
	}
	if err := writeSection(&buf, tagConnectors, configs); err != nil {
		return err
	}
	return os.WriteFile(path, buf.Bytes(), 0o600)
}

// Load reads a snapshot written by Persist and registers its connectors,
// replacing the current registry. Connectors are registered stopped; the
// caller decides which ones to Start.
func (m *Manager) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	r := bytes.NewReader(data)

	magic := make([]byte, len(snapshotMagic))
	if _, err := io.ReadFull(r, magic); err != nil {
		return fmt.Errorf("read magic: %w", err)
	}
	if string(magic) != snapshotMagic {
		return fmt.Errorf("not a jasmin scm snapshot (bad magic %q)", magic)
	}

	var version uint32
	if err := binary.Read(r, binary.BigEndian, &version); err != nil {
		return fmt.Errorf("read version: %w", err)
	}
	if version > snapshotVersion {
		return fmt.Errorf("snapshot version %d is newer than supported version %d", version, snapshotVersion)
	}

	var configs []ConnectorConfig
	for {
		tag, payload, err := readSection(r)
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if tag == tagConnectors {
			if err := json.Unmarshal(payload, &configs); err != nil {
				return fmt.Errorf("decode connectors section: %w", err)
			}
		}
	}

	connectors := make(map[string]*Connector, len(configs))
	for _, cfg := range configs {
		connectors[cfg.CID] = NewConnector(cfg, m.conn, m.publisher, m.deliver)
	}

	m.mu.Lock()
	m.connectors = connectors
	m.mu.Unlock()
	return nil
}

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
