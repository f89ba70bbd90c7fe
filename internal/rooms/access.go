package rooms

import "strings"

// ResolveRole derives the effective role for an email on a room. The creator
// is always owner regardless of the ACL contents for that email. An absent
// ACL entry classifies as viewer; whether the caller has access at all is
// decided one level up, where the room was fetched.
func ResolveRole(creatorEmail string, acl ACL, email string) Role {
	normalized := strings.ToLower(strings.TrimSpace(email))
	if normalized != "" && normalized == strings.ToLower(strings.TrimSpace(creatorEmail)) {
		return RoleOwner
	}
	if acl[normalized] == UserTypeEditor {
		return RoleEditor
	}
	return RoleViewer
}

// CanShare reports whether the role may invite new collaborators.
func CanShare(role Role) bool {
	return role == RoleOwner || role == RoleEditor
}

// CanChangeRole reports whether the requester may change a collaborator's
// access level. Only the owner may, and the creator's own entry is never
// demotable through this path.
func CanChangeRole(requester Role, targetIsCreator bool) bool {
	return requester == RoleOwner && !targetIsCreator
}

// CanRemoveCollaborator reports whether the requester may remove the target
// from the room. Only the creator may remove collaborators, and never
// themselves.
func CanRemoveCollaborator(requesterID, creatorID, targetID string) bool {
	return requesterID == creatorID && targetID != creatorID
}

// CanDelete reports whether the role may delete the room.
func CanDelete(role Role) bool {
	return role == RoleOwner
}

// CanRename reports whether the role may change the room title.
func CanRename(role Role) bool {
	return role == RoleOwner || role == RoleEditor
}
