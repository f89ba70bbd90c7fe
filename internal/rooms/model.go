package rooms

import (
	"errors"
	"fmt"
	"strings"
)

// UserType is the persisted access level for an ACL entry.
type UserType string

const (
	// UserTypeEditor grants write access to the room.
	UserTypeEditor UserType = "editor"
	// UserTypeViewer grants read-only access to the room.
	UserTypeViewer UserType = "viewer"
)

// Role is the effective classification derived for a user on a room.
type Role string

const (
	// RoleOwner is the room creator. Owners edit like editors and are the
	// only role allowed to change access, remove collaborators, or delete.
	RoleOwner Role = "owner"
	// RoleEditor may edit content and the title, and invite collaborators.
	RoleEditor Role = "editor"
	// RoleViewer has read-only access.
	RoleViewer Role = "viewer"
)

// PermissionWrite is the raw permission string stored for editor entries,
// mirroring the collaboration provider's access naming.
const PermissionWrite = "room:write"

const (
	maxIdentifierLength = 190
	maxEmailLength      = 320
	maxTitleLength      = 512
)

var (
	// ErrInvalidRoomID indicates a room identifier is empty or exceeds storage bounds.
	ErrInvalidRoomID = errors.New("rooms: invalid room id")
	// ErrInvalidEmail indicates an email is empty, malformed, or exceeds storage bounds.
	ErrInvalidEmail = errors.New("rooms: invalid email")
	// ErrInvalidTitle indicates a title is empty or exceeds storage bounds.
	ErrInvalidTitle = errors.New("rooms: invalid title")
	// ErrInvalidUserType indicates an access level string is not editor or viewer.
	ErrInvalidUserType = errors.New("rooms: invalid user type")
)

// RoomID represents a validated room identifier.
type RoomID string

// NewRoomID validates raw input and returns a RoomID.
func NewRoomID(rawInput string) (RoomID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidRoomID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidRoomID, maxIdentifierLength)
	}
	return RoomID(trimmed), nil
}

// String returns the underlying string identifier.
func (id RoomID) String() string {
	return string(id)
}

// Email represents a validated, lowercased collaborator email.
type Email string

// NewEmail validates raw input and returns an Email.
func NewEmail(rawInput string) (Email, error) {
	trimmed := strings.ToLower(strings.TrimSpace(rawInput))
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidEmail)
	}
	if len(trimmed) > maxEmailLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidEmail, maxEmailLength)
	}
	at := strings.Index(trimmed, "@")
	if at <= 0 || at == len(trimmed)-1 {
		return "", fmt.Errorf("%w: %q", ErrInvalidEmail, rawInput)
	}
	return Email(trimmed), nil
}

// String returns the underlying email value.
func (e Email) String() string {
	return string(e)
}

// NewTitle validates raw input and returns a usable room title.
func NewTitle(rawInput string) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidTitle)
	}
	if len(trimmed) > maxTitleLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidTitle, maxTitleLength)
	}
	return trimmed, nil
}

// ParseUserType validates an access level string from the wire.
func ParseUserType(value string) (UserType, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case string(UserTypeEditor):
		return UserTypeEditor, nil
	case string(UserTypeViewer):
		return UserTypeViewer, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidUserType, value)
	}
}

// Room models the persisted room metadata.
type Room struct {
	RoomID           string `gorm:"column:room_id;primaryKey;size:190;not null"`
	Title            string `gorm:"column:title;size:512;not null"`
	CreatorID        string `gorm:"column:creator_id;size:190;not null;index:idx_rooms_creator"`
	CreatorEmail     string `gorm:"column:creator_email;size:320;not null;index:idx_rooms_creator_email"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
	TitleUpdatedAtS  int64  `gorm:"column:title_updated_at_s;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (Room) TableName() string {
	return "rooms"
}

// RoomAccess models one ACL entry: an email granted access to a room.
type RoomAccess struct {
	RoomID           string `gorm:"column:room_id;primaryKey;size:190;not null;index:idx_access_email,priority:2"`
	Email            string `gorm:"column:email;primaryKey;size:320;not null;index:idx_access_email,priority:1"`
	CanWrite         bool   `gorm:"column:can_write;not null;default:false"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (RoomAccess) TableName() string {
	return "room_accesses"
}

// UserType derives the access level encoded in the entry.
func (a RoomAccess) UserType() UserType {
	if a.CanWrite {
		return UserTypeEditor
	}
	return UserTypeViewer
}

// ACL is the in-memory view of a room's access list, keyed by email.
type ACL map[string]UserType

// Permissions renders an entry's permission strings the way the
// collaboration provider encodes them. Viewer entries carry no permissions.
func (acl ACL) Permissions(email string) []string {
	if acl[strings.ToLower(email)] == UserTypeEditor {
		return []string{PermissionWrite}
	}
	return nil
}

// RoomView bundles a room with its ACL and the requester's derived role.
type RoomView struct {
	Room Room
	ACL  ACL
	Role Role
}

// RoomList partitions the rooms visible to a user.
type RoomList struct {
	Owned        []Room
	SharedWithMe []Room
}

// Profile is the directory record for a known collaborator.
type Profile struct {
	ID        string
	Name      string
	Email     string
	AvatarURL string
}

// Collaborator is the share-list view of one ACL entry. Profile is nil when
// the email has no directory record; such entries are still listed, never
// silently dropped.
type Collaborator struct {
	Email    string
	UserType UserType
	Profile  *Profile
}

// Known reports whether the collaborator resolved to a directory record.
func (c Collaborator) Known() bool {
	return c.Profile != nil
}
