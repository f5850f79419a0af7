// Package groups mirrors the server's view of every group an account belongs to. The reconciler decides when
// the cached copy is stale, fetches and pages history to catch up, and commits local changes with bounded
// retry on revision conflicts.
package groups

import (
	"context"
	"errors"
	"fmt"

	"github.com/meow-io/go-mirror/crypto"
	"go.uber.org/zap"
)

// Latest asks for an unconditional refresh.
const Latest = ^uint32(0)

var (
	ErrNotMember              = errors.New("groups: not a member of the group")
	ErrConflict               = errors.New("groups: revision conflict")
	ErrRevisionMismatch       = errors.New("groups: revision mismatch")
	ErrCommitRetriesExhausted = errors.New("groups: commit retries exhausted")
)

const groupIDContext = "go-mirror 2023-10-01 group identifier"

type GroupID [32]byte

// SecretParams are derived from the master key. The identifier is safe to send to the server, the master key
// never is.
type SecretParams struct {
	MasterKey [32]byte
	ID        GroupID
}

func NewSecretParams(masterKey []byte) (*SecretParams, error) {
	if len(masterKey) != 32 {
		return nil, fmt.Errorf("groups: expected master key of length 32, got %d", len(masterKey))
	}
	p := &SecretParams{MasterKey: [32]byte(masterKey)}
	p.ID = GroupID(crypto.DeriveKey(groupIDContext, masterKey))
	return p, nil
}

// LogEntry is one point in a group's history. At least one of State and Change is set.
type LogEntry struct {
	State  *State
	Change *Change
}

// normalize drops a change whose revision disagrees with the state it came with. Paging recovers anything
// the change would have contributed.
func (e *LogEntry) normalize(log *zap.SugaredLogger) {
	if e.State == nil || e.Change == nil || e.State.Revision == e.Change.Revision {
		return
	}
	log.Warnf("discarding change at %d bundled with state at %d", e.Change.Revision, e.State.Revision)
	e.Change = nil
}

type HistoryPage struct {
	Entries      []*LogEntry
	HasMore      bool
	NextRevision uint32
}

// Server is the group service. auth is the day's credential.
type Server interface {
	// GetGroup returns the current state, or ErrNotMember.
	GetGroup(ctx context.Context, params *SecretParams, auth []byte) (*State, error)
	GetGroupHistoryPage(ctx context.Context, params *SecretParams, fromRevision uint32, includeFirstState bool, auth []byte) (*HistoryPage, error)
	// PatchGroup applies change and returns the change as accepted, or ErrConflict when change.Revision is
	// not next.
	PatchGroup(ctx context.Context, params *SecretParams, change *Change, auth []byte) (*Change, error)
}

// ChangeOpener authenticates and decrypts a signed change carried in a message.
type ChangeOpener interface {
	OpenChange(params *SecretParams, signed []byte) (*Change, error)
}
