package groups

import (
	"fmt"

	"github.com/meow-io/go-mirror/ids"
	"github.com/meow-io/go-mirror/profilekeys"
)

type RoleChange struct {
	ID   ids.ID `cbor:"1,keyasint"`
	Role Role   `cbor:"2,keyasint"`
}

type ProfileKeyChange struct {
	ID         ids.ID `cbor:"1,keyasint"`
	ProfileKey []byte `cbor:"2,keyasint"`
}

// Change is a decrypted, authenticated group change. Editor is the member who made it.
type Change struct {
	Editor   ids.ID `cbor:"1,keyasint"`
	Revision uint32 `cbor:"2,keyasint"`

	AddMembers               []*Member           `cbor:"3,keyasint"`
	DeleteMembers            []ids.ID            `cbor:"4,keyasint"`
	ModifyRoles              []RoleChange        `cbor:"5,keyasint"`
	ModifyProfileKeys        []ProfileKeyChange  `cbor:"6,keyasint"`
	AddPendingMembers        []*PendingMember    `cbor:"7,keyasint"`
	DeletePendingMembers     [][]byte            `cbor:"8,keyasint"`
	PromotePendingMembers    []ProfileKeyChange  `cbor:"9,keyasint"`
	AddRequestingMembers     []*RequestingMember `cbor:"10,keyasint"`
	DeleteRequestingMembers  []ids.ID            `cbor:"11,keyasint"`
	PromoteRequestingMembers []RoleChange        `cbor:"12,keyasint"`

	ModifyTitle                   *string         `cbor:"13,keyasint,omitempty"`
	ModifyDescription             *string         `cbor:"14,keyasint,omitempty"`
	ModifyAvatar                  *string         `cbor:"15,keyasint,omitempty"`
	ModifyDisappearingTimer       *uint32         `cbor:"16,keyasint,omitempty"`
	ModifyAttributesAccess        *AccessRequired `cbor:"17,keyasint,omitempty"`
	ModifyMemberAccess            *AccessRequired `cbor:"18,keyasint,omitempty"`
	ModifyAddFromInviteLinkAccess *AccessRequired `cbor:"19,keyasint,omitempty"`
	ModifyInviteLinkPassword      []byte          `cbor:"20,keyasint,omitempty"`
	ModifyAnnouncementsOnly       *bool           `cbor:"21,keyasint,omitempty"`
}

// ProfileKeyCandidates lists the keys carried by the change: added members, promoted pending members,
// explicit key modifications and join requests.
func (c *Change) ProfileKeyCandidates() []profilekeys.Candidate {
	var out []profilekeys.Candidate
	for _, m := range c.AddMembers {
		out = append(out, profilekeys.Candidate{ID: m.ID, Key: m.ProfileKey})
	}
	for _, m := range c.PromotePendingMembers {
		out = append(out, profilekeys.Candidate{ID: m.ID, Key: m.ProfileKey})
	}
	for _, m := range c.ModifyProfileKeys {
		out = append(out, profilekeys.Candidate{ID: m.ID, Key: m.ProfileKey})
	}
	for _, m := range c.AddRequestingMembers {
		out = append(out, profilekeys.Candidate{ID: m.ID, Key: m.ProfileKey})
	}
	return out
}

// ChangeBuilder produces the change to commit against current. The reconciler sets Editor and Revision.
type ChangeBuilder func(current *State) (*Change, error)

func ModifyTitle(title string) ChangeBuilder {
	return func(_ *State) (*Change, error) {
		return &Change{ModifyTitle: &title}, nil
	}
}

func ModifyDescription(description string) ChangeBuilder {
	return func(_ *State) (*Change, error) {
		return &Change{ModifyDescription: &description}, nil
	}
}

func ModifyAvatar(avatar string) ChangeBuilder {
	return func(_ *State) (*Change, error) {
		return &Change{ModifyAvatar: &avatar}, nil
	}
}

func ModifyDisappearingTimer(seconds uint32) ChangeBuilder {
	return func(_ *State) (*Change, error) {
		return &Change{ModifyDisappearingTimer: &seconds}, nil
	}
}

func ModifyInviteLinkPassword(password []byte) ChangeBuilder {
	return func(_ *State) (*Change, error) {
		return &Change{ModifyInviteLinkPassword: password}, nil
	}
}

func ModifyAnnouncementsOnly(on bool) ChangeBuilder {
	return func(_ *State) (*Change, error) {
		return &Change{ModifyAnnouncementsOnly: &on}, nil
	}
}

func AddMember(id ids.ID, profileKey []byte) ChangeBuilder {
	return func(current *State) (*Change, error) {
		if current.Member(id) != nil {
			return nil, fmt.Errorf("groups: %s is already a member", id)
		}
		return &Change{AddMembers: []*Member{{ID: id, Role: RoleDefault, ProfileKey: profileKey}}}, nil
	}
}

func RemoveMember(id ids.ID) ChangeBuilder {
	return func(current *State) (*Change, error) {
		if current.Member(id) == nil {
			return nil, fmt.Errorf("groups: %s is not a member", id)
		}
		return &Change{DeleteMembers: []ids.ID{id}}, nil
	}
}

// RemovePendingMember revokes an invite. Pending members are addressed by their handle, not their identity.
func RemovePendingMember(id ids.ID) ChangeBuilder {
	return func(current *State) (*Change, error) {
		pending := current.PendingMember(id)
		if pending == nil {
			return nil, fmt.Errorf("groups: %s is not a pending member", id)
		}
		return &Change{DeletePendingMembers: [][]byte{pending.Handle}}, nil
	}
}

// AcceptInvite promotes the pending member self, presenting profileKey.
func AcceptInvite(self ids.ID, profileKey []byte) ChangeBuilder {
	return func(current *State) (*Change, error) {
		if current.PendingMember(self) == nil {
			return nil, fmt.Errorf("groups: %s has no pending invite", self)
		}
		return &Change{PromotePendingMembers: []ProfileKeyChange{{ID: self, ProfileKey: profileKey}}}, nil
	}
}

func ApproveRequestingMember(id ids.ID) ChangeBuilder {
	return func(current *State) (*Change, error) {
		if current.RequestingMember(id) == nil {
			return nil, fmt.Errorf("groups: %s has not requested to join", id)
		}
		return &Change{PromoteRequestingMembers: []RoleChange{{ID: id, Role: RoleDefault}}}, nil
	}
}

func DenyRequestingMember(id ids.ID) ChangeBuilder {
	return func(current *State) (*Change, error) {
		if current.RequestingMember(id) == nil {
			return nil, fmt.Errorf("groups: %s has not requested to join", id)
		}
		return &Change{DeleteRequestingMembers: []ids.ID{id}}, nil
	}
}

func ModifyRole(id ids.ID, role Role) ChangeBuilder {
	return func(current *State) (*Change, error) {
		m := current.Member(id)
		if m == nil {
			return nil, fmt.Errorf("groups: %s is not a member", id)
		}
		if m.Role == role {
			return nil, fmt.Errorf("groups: %s already has role %d", id, role)
		}
		return &Change{ModifyRoles: []RoleChange{{ID: id, Role: role}}}, nil
	}
}

// UpdateProfileKey publishes self's new profile key to the group.
func UpdateProfileKey(self ids.ID, profileKey []byte) ChangeBuilder {
	return func(current *State) (*Change, error) {
		if current.Member(self) == nil {
			return nil, fmt.Errorf("groups: %s is not a member", self)
		}
		return &Change{ModifyProfileKeys: []ProfileKeyChange{{ID: self, ProfileKey: profileKey}}}, nil
	}
}
