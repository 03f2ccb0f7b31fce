package ucs

import (
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/jasmin-go/jasmin/internal/routingerr"
)

func newTestStore(t *testing.T) (*Store, *Group, *User) {
	t.Helper()
	s := NewStore()
	g := NewGroup("g1")
	if err := s.AddGroup(g); err != nil {
		t.Fatalf("AddGroup: %v", err)
	}
	u := NewUser("u1", "g1", "alice", "secret")
	if err := s.AddUser(u); err != nil {
		t.Fatalf("AddUser: %v", err)
	}
	return s, g, u
}

func TestAuthenticateSuccess(t *testing.T) {
	s, _, _ := newTestStore(t)
	got, err := s.Authenticate("alice", DigestOf("secret"))
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if got.Username != "alice" {
		t.Fatalf("unexpected user returned: %+v", got)
	}
}

func TestAuthenticateUnknownUser(t *testing.T) {
	s, _, _ := newTestStore(t)
	_, err := s.Authenticate("bob", DigestOf("secret"))
	if !routingerr.Is(err, routingerr.Authentication) {
		t.Fatalf("expected Authentication error, got %v", err)
	}
}

func TestAuthenticateWrongPassword(t *testing.T) {
	s, _, _ := newTestStore(t)
	_, err := s.Authenticate("alice", DigestOf("wrong"))
	if !routingerr.Is(err, routingerr.Authentication) {
		t.Fatalf("expected Authentication error, got %v", err)
	}
}

func TestAuthenticateDisabledUser(t *testing.T) {
	s, _, u := newTestStore(t)
	u.Enabled = false
	_, err := s.Authenticate("alice", DigestOf("secret"))
	if !routingerr.Is(err, routingerr.Authentication) {
		t.Fatalf("expected Authentication error for disabled user, got %v", err)
	}
}

func TestAuthenticateDisabledGroup(t *testing.T) {
	s, g, _ := newTestStore(t)
	g.Enabled = false
	_, err := s.Authenticate("alice", DigestOf("secret"))
	if !routingerr.Is(err, routingerr.Authentication) {
		t.Fatalf("expected Authentication error for disabled group, got %v", err)
	}
}

func TestRemoveGroupCascadesToUsers(t *testing.T) {
	s, _, _ := newTestStore(t)
	if err := s.RemoveGroup("g1"); err != nil {
		t.Fatalf("RemoveGroup: %v", err)
	}
	if _, ok := s.GetUserByUsername("alice"); ok {
		t.Fatalf("expected user to be removed along with its group")
	}
}

func TestChargeSufficientAndInsufficientBalance(t *testing.T) {
	s, _, u := newTestStore(t)
	u.MT.Balance = NewBalanceQuota(10)
	u.MT.SubmitSmCount = NewCountQuota(5)

	if err := s.Charge(u.ID, 4, 4, 1); err != nil {
		t.Fatalf("expected charge to succeed, got %v", err)
	}
	got, _ := s.GetUser(u.ID)
	if got.MT.Balance.Value != 6 {
		t.Fatalf("expected balance 6 after charge, got %v", got.MT.Balance.Value)
	}

	err := s.Charge(u.ID, 100, 100, 1)
	if !routingerr.Is(err, routingerr.Charging) {
		t.Fatalf("expected Charging error for insufficient balance, got %v", err)
	}
	// balance must be untouched by the failed charge
	got, _ = s.GetUser(u.ID)
	if got.MT.Balance.Value != 6 {
		t.Fatalf("expected balance unchanged after failed charge, got %v", got.MT.Balance.Value)
	}
}

func TestChargeRejectsWhenFullAmountUnaffordableEvenIfChargeNowFits(t *testing.T) {
	s, _, u := newTestStore(t)
	u.MT.Balance = NewBalanceQuota(5)
	u.MT.SubmitSmCount = NewCountQuota(5)

	// chargeNow (2) fits, but fullAmount (10) doesn't: reject up front rather
	// than leave an uncollectable early-decrement remainder.
	err := s.Charge(u.ID, 10, 2, 1)
	if !routingerr.Is(err, routingerr.Charging) {
		t.Fatalf("expected Charging error when full amount exceeds balance, got %v", err)
	}
	got, _ := s.GetUser(u.ID)
	if got.MT.Balance.Value != 5 {
		t.Fatalf("expected balance untouched by rejected charge, got %v", got.MT.Balance.Value)
	}
}

func TestChargeThenRefundAppliesEarlyDecrementRemainder(t *testing.T) {
	s, _, u := newTestStore(t)
	u.MT.Balance = NewBalanceQuota(10)
	u.MT.SubmitSmCount = NewCountQuota(5)

	// 40% early-decrement on a total of 5: charge 2 now, 3 later.
	if err := s.Charge(u.ID, 5, 2, 1); err != nil {
		t.Fatalf("expected charge to succeed, got %v", err)
	}
	got, _ := s.GetUser(u.ID)
	if got.MT.Balance.Value != 8 {
		t.Fatalf("expected balance 8 after early-decrement charge, got %v", got.MT.Balance.Value)
	}

	if err := s.Refund(u.ID, 3); err != nil {
		t.Fatalf("expected refund to succeed, got %v", err)
	}
	got, _ = s.GetUser(u.ID)
	if got.MT.Balance.Value != 5 {
		t.Fatalf("expected balance 5 after remainder applied, got %v", got.MT.Balance.Value)
	}
}

func TestApplyBalanceDeltaRelativeAndAbsolute(t *testing.T) {
	s, _, u := newTestStore(t)
	u.MT.Balance = NewBalanceQuota(10)

	nq, err := s.ApplyBalanceDelta(u.ID, "+5")
	if err != nil || nq.Value != 15 {
		t.Fatalf("expected 15 after +5, got %v err=%v", nq.Value, err)
	}
	nq, err = s.ApplyBalanceDelta(u.ID, "-3")
	if err != nil || nq.Value != 12 {
		t.Fatalf("expected 12 after -3, got %v err=%v", nq.Value, err)
	}
	nq, err = s.ApplyBalanceDelta(u.ID, "100")
	if err != nil || nq.Value != 100 {
		t.Fatalf("expected absolute set to 100, got %v err=%v", nq.Value, err)
	}
}

func TestMaxBindingsEnforced(t *testing.T) {
	s, _, u := newTestStore(t)
	u.SMPPs.MaxBindings = NewCountQuota(1)
	_ = s

	if !u.IncrementBoundCount() {
		t.Fatalf("expected first bind to succeed")
	}
	if u.IncrementBoundCount() {
		t.Fatalf("expected second bind to be rejected by max_bindings=1")
	}
	u.DecrementBoundCount()
	if !u.IncrementBoundCount() {
		t.Fatalf("expected bind to succeed again after a decrement")
	}
}

func TestPersistAndLoadRoundTrip(t *testing.T) {
	s, _, u := newTestStore(t)
	u.MT.Balance = NewBalanceQuota(42.5)
	u.MT.SubmitSmCount = NewCountQuota(7)
	var err error
	u.MT.ValueFilters["source_addr"], err = regexp.Compile(`^\+1`)
	if err != nil {
		t.Fatalf("regex: %v", err)
	}

	path := filepath.Join(t.TempDir(), "ucs.snapshot")
	if err := s.Persist(path); err != nil {
		t.Fatalf("Persist: %v", err)
	}

	loaded := NewStore()
	if err := loaded.Load(path); err != nil {
		t.Fatalf("Load: %v", err)
	}

	got, ok := loaded.GetUserByUsername("alice")
	if !ok {
		t.Fatalf("expected user alice to survive round trip")
	}
	if got.MT.Balance.Value != 42.5 {
		t.Fatalf("expected balance 42.5 after round trip, got %v", got.MT.Balance.Value)
	}
	if got.MT.SubmitSmCount.Value != 7 {
		t.Fatalf("expected submit_sm_count 7 after round trip, got %v", got.MT.SubmitSmCount.Value)
	}
	if !got.MT.ValueFilters["source_addr"].MatchString("+14155550000") {
		t.Fatalf("expected value filter regex to survive round trip")
	}
	if _, err := loaded.Authenticate("alice", DigestOf("secret")); err != nil {
		t.Fatalf("expected authentication to succeed after round trip, got %v", err)
	}

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected snapshot file to exist: %v", err)
	}
}

func TestLoadRejectsBadMagic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.snapshot")
	if err := os.WriteFile(path, []byte("NOTJUCS"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := NewStore().Load(path); err == nil {
		t.Fatalf("expected Load to reject a file with bad magic")
	}
}
