package ucs

import (
	"fmt"
	"sync"

	"github.com/jasmin-go/jasmin/internal/routingerr"
)

// Store is the in-memory User & Credential Store. Single-writer (admin
// RPC owns all mutations); readers take snapshot references under a
// read lock, matching spec.md §5's ownership rule for UCS.
type Store struct {
	mu     sync.RWMutex
	groups map[string]*Group
	users  map[string]*User // keyed by ID
	byName map[string]string // username -> ID, for unique-username enforcement
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		groups: make(map[string]*Group),
		users:  make(map[string]*User),
		byName: make(map[string]string),
	}
}

// AddGroup registers a group. Returns an error if the id is already in use.
func (s *Store) AddGroup(g *Group) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.groups[g.ID]; exists {
		return fmt.Errorf("group %q already exists", g.ID)
	}
	s.groups[g.ID] = g
	return nil
}

// RemoveGroup removes a group and cascades removal to its member users,
// per spec.md §3's Group lifecycle invariant.
func (s *Store) RemoveGroup(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.groups[id]; !exists {
		return fmt.Errorf("group %q does not exist", id)
	}

	for uid, u := range s.users {
		if u.GroupID == id {
			delete(s.byName, u.Username)
			delete(s.users, uid)
		}
	}
	delete(s.groups, id)
	return nil
}

// EnableGroup/DisableGroup toggle a group's enabled flag. Disabling
// immediately makes every member user fail authentication (without
// mutating the users themselves), since Authenticate checks group state.
func (s *Store) EnableGroup(id string) error  { return s.setGroupEnabled(id, true) }
func (s *Store) DisableGroup(id string) error { return s.setGroupEnabled(id, false) }

func (s *Store) setGroupEnabled(id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[id]
	if !ok {
		return fmt.Errorf("group %q does not exist", id)
	}
	g.Enabled = enabled
	return nil
}

// GetGroup returns a group by id.
func (s *Store) GetGroup(id string) (*Group, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.groups[id]
	return g, ok
}

// AddUser registers a user. The username must be unique across the store
// and the owning group must already exist.
func (s *Store) AddUser(u *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.groups[u.GroupID]; !exists {
		return fmt.Errorf("group %q does not exist", u.GroupID)
	}
	if _, exists := s.users[u.ID]; exists {
		return fmt.Errorf("user id %q already exists", u.ID)
	}
	if _, exists := s.byName[u.Username]; exists {
		return fmt.Errorf("username %q already in use", u.Username)
	}

	s.users[u.ID] = u
	s.byName[u.Username] = u.ID
	return nil
}

// RemoveUser removes a user explicitly.
func (s *Store) RemoveUser(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[id]
	if !ok {
		return fmt.Errorf("user %q does not exist", id)
	}
	delete(s.byName, u.Username)
	delete(s.users, id)
	return nil
}

// GetUser returns a user by id.
func (s *Store) GetUser(id string) (*User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	return u, ok
}

// GetUserByUsername returns a user by username.
func (s *Store) GetUserByUsername(username string) (*User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byName[username]
	if !ok {
		return nil, false
	}
	return s.users[id], true
}

// Authenticate validates username/password and enabled-state invariants,
// per spec.md §4.2 step 1 and §7's Authentication taxonomy:
// unknown user, wrong digest, disabled user, disabled group all fail.
func (s *Store) Authenticate(username string, digest Digest) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byName[username]
	if !ok {
		return nil, routingerr.Authenticationf("Authentication failure for username:%s", username)
	}
	u := s.users[id]
	if u.PasswordDigest != digest {
		return nil, routingerr.Authenticationf("Authentication failure for username:%s", username)
	}
	if !u.Enabled {
		return nil, routingerr.Authenticationf("Authentication failure for username:%s", username)
	}
	g, ok := s.groups[u.GroupID]
	if !ok || !g.Enabled {
		return nil, routingerr.Authenticationf("Authentication failure for username:%s", username)
	}
	return u, nil
}

// ApplyBalanceDelta applies a "+N"/"-N"/"N" delta to a user's MT balance
// quota, per spec.md §3's quota-mutation syntax. The quota type (balance,
// already decimal) is fixed by field; a type mismatch can only occur if
// the caller mixes up balance/count call sites, which this signature
// prevents by construction.
func (s *Store) ApplyBalanceDelta(userID, delta string) (BalanceQuota, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return BalanceQuota{}, fmt.Errorf("user %q does not exist", userID)
	}
	nq, err := u.MT.Balance.ApplyDelta(delta)
	if err != nil {
		return BalanceQuota{}, err
	}
	u.MT.Balance = nq
	return nq, nil
}

// ApplySubmitCountDelta applies a delta to a user's MT submit_sm_count quota.
func (s *Store) ApplySubmitCountDelta(userID, delta string) (CountQuota, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return CountQuota{}, fmt.Errorf("user %q does not exist", userID)
	}
	nq, err := u.MT.SubmitSmCount.ApplyDelta(delta)
	if err != nil {
		return CountQuota{}, err
	}
	u.MT.SubmitSmCount = nq
	return nq, nil
}

// Charge decrements submit_sm_count by one per segment and deducts chargeNow
// from a user's balance, per spec.md §4.2 step 4. Sufficiency is checked
// against the full cost (fullAmount, segments), not just chargeNow, so a
// user who can't ultimately cover an early-decrement message is rejected
// up front rather than left with an unrecoverable remainder. Both quotas
// are checked before either is mutated (all-or-nothing charge). Callers
// with no early-decrement split pass chargeNow == fullAmount.
func (s *Store) Charge(userID string, fullAmount, chargeNow float64, segments int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return fmt.Errorf("user %q does not exist", userID)
	}

	if !u.MT.Balance.Sufficient(fullAmount) {
		return routingerr.Chargingf("Not enough balance for user:%s", u.Username)
	}
	if !u.MT.SubmitSmCount.Sufficient(segments) {
		return routingerr.Chargingf("Not enough submit_sm_count for user:%s", u.Username)
	}

	if !u.MT.Balance.Unlimited {
		u.MT.Balance.Value -= chargeNow
	}
	if !u.MT.SubmitSmCount.Unlimited {
		u.MT.SubmitSmCount.Value -= segments
	}
	return nil
}

// Refund deducts amount from a user's balance. Despite the name, it does
// not credit anything back: it applies the remainder of an early-decrement
// charge withheld by Charge at submit time, once the terminal DLR for that
// message arrives (spec.md §4.2 step 4).
func (s *Store) Refund(userID string, amount float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return fmt.Errorf("user %q does not exist", userID)
	}
	if !u.MT.Balance.Unlimited {
		u.MT.Balance.Value -= amount
	}
	return nil
}

// Snapshot returns a point-in-time copy of every group and user, used by
// Persist. Taking the copy under a read lock means a concurrent admin
// mutation either lands before or after the snapshot, never torn —
// resolving Open Question (i) in DESIGN.md.
func (s *Store) Snapshot() ([]*Group, []*User) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	groups := make([]*Group, 0, len(s.groups))
	for _, g := range s.groups {
		gc := *g
		groups = append(groups, &gc)
	}
	users := make([]*User, 0, len(s.users))
	for _, u := range s.users {
		uc := *u
		users = append(users, &uc)
	}
	return groups, users
}

// Restore replaces the store's contents wholesale (used by Load).
func (s *Store) Restore(groups []*Group, users []*User) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.groups = make(map[string]*Group, len(groups))
	for _, g := range groups {
		s.groups[g.ID] = g
	}
	s.users = make(map[string]*User, len(users))
	s.byName = make(map[string]string, len(users))
	for _, u := range users {
		s.users[u.ID] = u
		s.byName[u.Username] = u.ID
	}
}
