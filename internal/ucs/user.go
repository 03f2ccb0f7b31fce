package ucs

import (
	"crypto/md5"
	"sync/atomic"
)

// Digest is a 16-byte password digest (MD5, matching the original's
// hashlib.md5 and spec.md §3's "16-byte digest" invariant).
type Digest [16]byte

// DigestOf computes the digest of a plaintext password.
func DigestOf(password string) Digest {
	return md5.Sum([]byte(password))
}

// Group is the top-level tenancy unit. Disabling a group cascades to its
// member users (they are treated as disabled for authentication purposes
// without being individually marked disabled).
type Group struct {
	ID      string
	Enabled bool
}

// NewGroup creates an enabled group.
func NewGroup(id string) *Group {
	return &Group{ID: id, Enabled: true}
}

// User is a gateway account: credentials, quotas, and live connection counters.
type User struct {
	ID             string
	GroupID        string
	Username       string // immutable after creation
	PasswordDigest Digest
	Enabled        bool

	MT    *MTCredential
	SMPPs *SMPPsCredential

	boundCount int64 // active SMPP-server bindings, atomic
}

// NewUser creates an enabled user with a permissive MT credential and a
// bind-denying SMPPs credential.
func NewUser(id, groupID, username string, password string) *User {
	return &User{
		ID:             id,
		GroupID:        groupID,
		Username:       username,
		PasswordDigest: DigestOf(password),
		Enabled:        true,
		MT:             NewMTCredential(),
		SMPPs:          NewSMPPsCredential(),
	}
}

// BoundCount returns the number of active SMPP-server bindings for this user.
func (u *User) BoundCount() int64 { return atomic.LoadInt64(&u.boundCount) }

// IncrementBoundCount records a new bind, enforcing max_bindings. Returns
// false (and does not increment) if the cap would be exceeded.
func (u *User) IncrementBoundCount() bool {
	max := u.SMPPs.MaxBindings
	for {
		cur := atomic.LoadInt64(&u.boundCount)
		if !max.Unlimited && cur >= max.Value {
			return false
		}
		if atomic.CompareAndSwapInt64(&u.boundCount, cur, cur+1) {
			return true
		}
	}
}

// DecrementBoundCount records an unbind.
func (u *User) DecrementBoundCount() {
	for {
		cur := atomic.LoadInt64(&u.boundCount)
		if cur == 0 {
			return
		}
		if atomic.CompareAndSwapInt64(&u.boundCount, cur, cur-1) {
			return
		}
	}
}
