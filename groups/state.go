package groups

import (
	"bytes"
	"fmt"

	"github.com/meow-io/go-mirror/codec"
	"github.com/meow-io/go-mirror/ids"
	"github.com/meow-io/go-mirror/profilekeys"
)

type Role uint8

const (
	RoleUnknown Role = iota
	RoleDefault
	RoleAdministrator
)

type AccessRequired uint8

const (
	AccessUnknown AccessRequired = iota
	AccessAny
	AccessMember
	AccessAdministrator
	AccessUnsatisfiable
)

type Member struct {
	ID               ids.ID `cbor:"1,keyasint"`
	Role             Role   `cbor:"2,keyasint"`
	ProfileKey       []byte `cbor:"3,keyasint"`
	JoinedAtRevision uint32 `cbor:"4,keyasint"`
}

// PendingMember is an invited member who has not accepted. Handle is the member's encrypted identity as the
// server knows it, and is what removal refers to.
type PendingMember struct {
	ID        ids.ID `cbor:"1,keyasint"`
	Role      Role   `cbor:"2,keyasint"`
	AddedBy   ids.ID `cbor:"3,keyasint"`
	Timestamp uint64 `cbor:"4,keyasint"`
	Handle    []byte `cbor:"5,keyasint"`
}

type RequestingMember struct {
	ID         ids.ID `cbor:"1,keyasint"`
	ProfileKey []byte `cbor:"2,keyasint"`
	Timestamp  uint64 `cbor:"3,keyasint"`
}

type AccessControl struct {
	Attributes        AccessRequired `cbor:"1,keyasint"`
	Members           AccessRequired `cbor:"2,keyasint"`
	AddFromInviteLink AccessRequired `cbor:"3,keyasint"`
}

// State is the decrypted content of a group at one revision.
type State struct {
	Revision           uint32              `cbor:"1,keyasint"`
	Title              string              `cbor:"2,keyasint"`
	Description        string              `cbor:"3,keyasint"`
	Avatar             string              `cbor:"4,keyasint"`
	DisappearingTimer  uint32              `cbor:"5,keyasint"`
	AccessControl      AccessControl       `cbor:"6,keyasint"`
	Members            []*Member           `cbor:"7,keyasint"`
	Pending            []*PendingMember    `cbor:"8,keyasint"`
	Requesting         []*RequestingMember `cbor:"9,keyasint"`
	InviteLinkPassword []byte              `cbor:"10,keyasint"`
	AnnouncementsOnly  bool                `cbor:"11,keyasint"`
}

func (s *State) Member(id ids.ID) *Member {
	for _, m := range s.Members {
		if m.ID == id {
			return m
		}
	}
	return nil
}

func (s *State) PendingMember(id ids.ID) *PendingMember {
	for _, m := range s.Pending {
		if m.ID == id {
			return m
		}
	}
	return nil
}

func (s *State) RequestingMember(id ids.ID) *RequestingMember {
	for _, m := range s.Requesting {
		if m.ID == id {
			return m
		}
	}
	return nil
}

func (s *State) Clone() (*State, error) {
	out := &State{}
	if err := codec.Clone(s, out); err != nil {
		return nil, fmt.Errorf("groups: error cloning state: %w", err)
	}
	return out, nil
}

// ProfileKeyCandidates lists every member's key. A full state names no editor, so none of them are
// authoritative.
func (s *State) ProfileKeyCandidates() []profilekeys.Candidate {
	out := make([]profilekeys.Candidate, 0, len(s.Members))
	for _, m := range s.Members {
		out = append(out, profilekeys.Candidate{ID: m.ID, Key: m.ProfileKey})
	}
	return out
}

// Apply returns the state produced by change. The change must be for the next revision.
func (s *State) Apply(change *Change) (*State, error) {
	if change.Revision != s.Revision+1 {
		return nil, fmt.Errorf("%w: state at %d cannot apply change for %d", ErrRevisionMismatch, s.Revision, change.Revision)
	}
	next, err := s.Clone()
	if err != nil {
		return nil, err
	}
	next.Revision = change.Revision

	for _, m := range change.AddMembers {
		added := *m
		added.JoinedAtRevision = change.Revision
		next.removePending(m.ID)
		next.removeRequesting(m.ID)
		next.removeMember(m.ID)
		next.Members = append(next.Members, &added)
	}
	for _, id := range change.DeleteMembers {
		next.removeMember(id)
	}
	for _, rc := range change.ModifyRoles {
		if m := next.Member(rc.ID); m != nil {
			m.Role = rc.Role
		}
	}
	for _, pk := range change.ModifyProfileKeys {
		if m := next.Member(pk.ID); m != nil {
			m.ProfileKey = pk.ProfileKey
		}
	}
	for _, p := range change.AddPendingMembers {
		added := *p
		next.Pending = append(next.Pending, &added)
	}
	for _, handle := range change.DeletePendingMembers {
		next.removePendingHandle(handle)
	}
	for _, p := range change.PromotePendingMembers {
		role := RoleDefault
		if pending := next.PendingMember(p.ID); pending != nil {
			role = pending.Role
		}
		next.removePending(p.ID)
		next.removeMember(p.ID)
		next.Members = append(next.Members, &Member{ID: p.ID, Role: role, ProfileKey: p.ProfileKey, JoinedAtRevision: change.Revision})
	}
	for _, r := range change.AddRequestingMembers {
		added := *r
		next.removeRequesting(r.ID)
		next.Requesting = append(next.Requesting, &added)
	}
	for _, id := range change.DeleteRequestingMembers {
		next.removeRequesting(id)
	}
	for _, rc := range change.PromoteRequestingMembers {
		requesting := next.RequestingMember(rc.ID)
		if requesting == nil {
			continue
		}
		next.removeRequesting(rc.ID)
		next.Members = append(next.Members, &Member{ID: rc.ID, Role: rc.Role, ProfileKey: requesting.ProfileKey, JoinedAtRevision: change.Revision})
	}

	if change.ModifyTitle != nil {
		next.Title = *change.ModifyTitle
	}
	if change.ModifyDescription != nil {
		next.Description = *change.ModifyDescription
	}
	if change.ModifyAvatar != nil {
		next.Avatar = *change.ModifyAvatar
	}
	if change.ModifyDisappearingTimer != nil {
		next.DisappearingTimer = *change.ModifyDisappearingTimer
	}
	if change.ModifyAttributesAccess != nil {
		next.AccessControl.Attributes = *change.ModifyAttributesAccess
	}
	if change.ModifyMemberAccess != nil {
		next.AccessControl.Members = *change.ModifyMemberAccess
	}
	if change.ModifyAddFromInviteLinkAccess != nil {
		next.AccessControl.AddFromInviteLink = *change.ModifyAddFromInviteLinkAccess
	}
	if change.ModifyInviteLinkPassword != nil {
		next.InviteLinkPassword = change.ModifyInviteLinkPassword
	}
	if change.ModifyAnnouncementsOnly != nil {
		next.AnnouncementsOnly = *change.ModifyAnnouncementsOnly
	}
	return next, nil
}

func (s *State) removeMember(id ids.ID) {
	out := s.Members[:0]
	for _, m := range s.Members {
		if m.ID != id {
			out = append(out, m)
		}
	}
	s.Members = out
}

func (s *State) removePending(id ids.ID) {
	out := s.Pending[:0]
	for _, m := range s.Pending {
		if m.ID != id {
			out = append(out, m)
		}
	}
	s.Pending = out
}

func (s *State) removePendingHandle(handle []byte) {
	out := s.Pending[:0]
	for _, m := range s.Pending {
		if !bytes.Equal(m.Handle, handle) {
			out = append(out, m)
		}
	}
	s.Pending = out
}

func (s *State) removeRequesting(id ids.ID) {
	out := s.Requesting[:0]
	for _, m := range s.Requesting {
		if m.ID != id {
			out = append(out, m)
		}
	}
	s.Requesting = out
}
