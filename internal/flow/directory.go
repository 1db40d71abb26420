package flow

import (
	"context"
	"errors"
	"sync"

	"github.com/veriflow/veriflow/internal/actor/idgen"
)

// ErrInvalidCredential is returned by MemoryDirectory.Authenticate for an
// unknown identifier or a mismatched credential.
var ErrInvalidCredential = errors.New("flow: invalid credential")

// ErrInvalidMFACode is returned by MemoryDirectory.VerifyMFA for a
// mismatched one-time code.
var ErrInvalidMFACode = errors.New("flow: invalid mfa code")

type memoryUser struct {
	userID     string
	credential string
	mfaCode    string
}

// MemoryDirectory is the in-memory UserDirectory test double spec.md's
// Non-goals explicitly reserve this repo to — a real deployment wires its
// own implementation against its identity backend (LDAP/SAML/OIDC
// upstream/social login), none of which this repo ships.
type MemoryDirectory struct {
	mu    sync.Mutex
	users map[string]*memoryUser // identifier -> user
}

// NewMemoryDirectory builds an empty MemoryDirectory.
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{users: make(map[string]*memoryUser)}
}

// Seed registers identifier/credential/mfaCode as a known user, returning
// the userID assigned to it. Intended for tests and local development.
func (d *MemoryDirectory) Seed(identifier, credential, mfaCode string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	userID := idgen.NewID()
	d.users[identifier] = &memoryUser{userID: userID, credential: credential, mfaCode: mfaCode}
	return userID
}

// Authenticate implements UserDirectory.
func (d *MemoryDirectory) Authenticate(ctx context.Context, identifier, credential string) (string, string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	u, ok := d.users[identifier]
	if !ok || u.credential != credential {
		return "", "", ErrInvalidCredential
	}
	return u.userID, "pwd", nil
}

// VerifyMFA implements UserDirectory.
func (d *MemoryDirectory) VerifyMFA(ctx context.Context, userID, method, code string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, u := range d.users {
		if u.userID == userID {
			if u.mfaCode == "" || u.mfaCode != code {
				return "", ErrInvalidMFACode
			}
			return "otp", nil
		}
	}
	return "", ErrInvalidMFACode
}

// Register implements UserDirectory by seeding a new user from attrs;
// attrs must carry "identifier" and "credential".
func (d *MemoryDirectory) Register(ctx context.Context, attrs map[string]string) (string, error) {
	return d.Seed(attrs["identifier"], attrs["credential"], attrs["mfaCode"]), nil
}

// BindDevice implements UserDirectory as a no-op recording nothing beyond
// the call having happened — a real directory would persist a device
// binding record.
func (d *MemoryDirectory) BindDevice(ctx context.Context, userID string, params map[string]string) error {
	return nil
}

// LinkAccount implements UserDirectory as a no-op, symmetric with
// BindDevice.
func (d *MemoryDirectory) LinkAccount(ctx context.Context, userID string, params map[string]string) error {
	return nil
}
