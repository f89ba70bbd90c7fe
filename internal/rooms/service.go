package rooms

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/scriptorium-app/scriptorium/backend/internal/events"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()

	// ErrRoomNotFound indicates the room does not exist.
	ErrRoomNotFound = errors.New("rooms: room not found")
	// ErrNoAccess indicates the requester has no entry granting access to the room.
	ErrNoAccess = errors.New("rooms: no access")
	// ErrForbidden indicates the requester's role does not permit the action.
	ErrForbidden = errors.New("rooms: action not permitted")
	// ErrAlreadyCollaborator indicates the share target is already on the ACL.
	ErrAlreadyCollaborator = errors.New("rooms: already a collaborator")
	// ErrNoSuchCollaborator indicates the target email has no ACL entry.
	ErrNoSuchCollaborator = errors.New("rooms: no such collaborator")
)

// ServiceError carries a stable operation.reason code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew         = "rooms.service.new"
	opCreate             = "rooms.create"
	opGet                = "rooms.get"
	opList               = "rooms.list"
	opRename             = "rooms.rename"
	opShare              = "rooms.share"
	opUpdateAccess       = "rooms.update_access"
	opRemoveCollaborator = "rooms.remove_collaborator"
	opDelete             = "rooms.delete"
	opCollaborators      = "rooms.collaborators"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// IDProvider issues identifiers for new rooms.
type IDProvider interface {
	NewID() (string, error)
}

// Cache is the read-through cache consumed by the service. Implementations
// must be safe for concurrent use; lookups are best-effort.
type Cache interface {
	GetView(ctx context.Context, roomID, email string) (RoomView, bool)
	SetView(ctx context.Context, roomID, email string, view RoomView)
	GetList(ctx context.Context, email string) (RoomList, bool)
	SetList(ctx context.Context, email string, list RoomList)
	InvalidateRoom(ctx context.Context, roomID string)
	InvalidateLists(ctx context.Context, emails ...string)
}

// DirectoryResolver joins ACL emails against the user directory.
type DirectoryResolver interface {
	LookupByEmails(ctx context.Context, emails []string) ([]Profile, error)
}

// Requester identifies the authenticated user issuing a mutation.
type Requester struct {
	ID    string
	Email Email
}

// ServiceConfig describes the dependencies of the room service.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Publisher  events.Publisher
	Cache      Cache
	Directory  DirectoryResolver
	Logger     *zap.Logger
}

// Service owns room metadata and ACLs. Every mutation re-derives the
// requester's role from stored state before applying, so a stale or hostile
// client cannot bypass the UI-side gating.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	publisher  events.Publisher
	cache      Cache
	directory  DirectoryResolver
	logger     *zap.Logger
}

// NewService validates configuration and constructs a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		publisher:  cfg.Publisher,
		cache:      cfg.Cache,
		directory:  cfg.Directory,
		logger:     logger,
	}, nil
}

// Create provisions a new room owned by the creator. The creator receives an
// explicit write entry on the ACL, matching the collaboration provider's
// usersAccesses shape.
func (s *Service) Create(ctx context.Context, creatorID string, creatorEmail Email, title string) (Room, error) {
	if creatorID == "" {
		return Room{}, newServiceError(opCreate, "missing_creator_id", errors.New("creator id is required"))
	}
	roomID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreate, "id_generation_failed", err)
		return Room{}, newServiceError(opCreate, "id_generation_failed", err)
	}
	if title == "" {
		title = "Untitled Document"
	}

	now := s.clock().UTC().Unix()
	room := Room{
		RoomID:           roomID,
		Title:            title,
		CreatorID:        creatorID,
		CreatorEmail:     creatorEmail.String(),
		CreatedAtSeconds: now,
		UpdatedAtSeconds: now,
	}
	access := RoomAccess{
		RoomID:           roomID,
		Email:            creatorEmail.String(),
		CanWrite:         true,
		UpdatedAtSeconds: now,
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&room).Error; err != nil {
			return err
		}
		return tx.Create(&access).Error
	})
	if txErr != nil {
		s.logError(opCreate, "insert_failed", txErr, zap.String("room_id", roomID))
		return Room{}, newServiceError(opCreate, "insert_failed", txErr)
	}

	s.invalidate(ctx, roomID, creatorEmail.String())
	s.logger.Info("room created",
		zap.String("room_id", roomID),
		zap.String("creator_id", creatorID))
	return room, nil
}

// Get loads a room with its ACL and the requester's derived role. Requesters
// that are neither the creator nor on the ACL receive ErrNoAccess.
func (s *Service) Get(ctx context.Context, roomID RoomID, requesterEmail Email) (RoomView, error) {
	if s.cache != nil {
		if view, ok := s.cache.GetView(ctx, roomID.String(), requesterEmail.String()); ok {
			return view, nil
		}
	}

	room, acl, err := s.loadRoom(ctx, s.db, roomID.String())
	if err != nil {
		return RoomView{}, s.wrapLoadError(opGet, roomID.String(), err)
	}

	email := requesterEmail.String()
	if _, listed := acl[email]; !listed && email != room.CreatorEmail {
		return RoomView{}, newServiceError(opGet, "no_access", ErrNoAccess)
	}

	view := RoomView{
		Room: room,
		ACL:  acl,
		Role: ResolveRole(room.CreatorEmail, acl, email),
	}
	if s.cache != nil {
		s.cache.SetView(ctx, roomID.String(), email, view)
	}
	return view, nil
}

// List returns the rooms the email owns and the rooms shared with it, both
// ordered by most recent update.
func (s *Service) List(ctx context.Context, email Email) (RoomList, error) {
	if s.cache != nil {
		if list, ok := s.cache.GetList(ctx, email.String()); ok {
			return list, nil
		}
	}

	var owned []Room
	if err := s.db.WithContext(ctx).
		Where("creator_email = ?", email.String()).
		Order("updated_at_s DESC").
		Find(&owned).Error; err != nil {
		s.logError(opList, "owned_query_failed", err, zap.String("email", email.String()))
		return RoomList{}, newServiceError(opList, "owned_query_failed", err)
	}

	var shared []Room
	if err := s.db.WithContext(ctx).
		Joins("JOIN room_accesses ON room_accesses.room_id = rooms.room_id").
		Where("room_accesses.email = ? AND rooms.creator_email <> ?", email.String(), email.String()).
		Order("rooms.updated_at_s DESC").
		Find(&shared).Error; err != nil {
		s.logError(opList, "shared_query_failed", err, zap.String("email", email.String()))
		return RoomList{}, newServiceError(opList, "shared_query_failed", err)
	}

	list := RoomList{Owned: owned, SharedWithMe: shared}
	if s.cache != nil {
		s.cache.SetList(ctx, email.String(), list)
	}
	return list, nil
}

// Rename updates the room title under last-write-wins semantics. Editors and
// the owner may rename; a change older than the stored title is dropped
// without error (the newer write already won).
func (s *Service) Rename(ctx context.Context, roomID RoomID, requester Requester, change TitleChange) (Room, error) {
	title, err := NewTitle(change.Title)
	if err != nil {
		return Room{}, newServiceError(opRename, "invalid_title", err)
	}
	change.Title = title

	var updated Room
	var aclEmails []string
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		room, acl, err := s.loadRoomForUpdate(tx, roomID.String())
		if err != nil {
			return err
		}
		role := ResolveRole(room.CreatorEmail, acl, requester.Email.String())
		if err := s.requireAccess(room, acl, requester.Email.String()); err != nil {
			return err
		}
		if !CanRename(role) {
			return ErrForbidden
		}

		outcome := resolveTitleChange(room, change, s.clock().UTC())
		updated = room
		aclEmails = emailsOf(room, acl)
		if !outcome.Accepted {
			return nil
		}

		now := s.clock().UTC().Unix()
		updated.Title = outcome.Title
		updated.TitleUpdatedAtS = outcome.TitleUpdatedAtS
		updated.UpdatedAtSeconds = now
		return tx.Model(&Room{}).
			Where("room_id = ?", room.RoomID).
			Updates(map[string]interface{}{
				"title":              updated.Title,
				"title_updated_at_s": updated.TitleUpdatedAtS,
				"updated_at_s":       updated.UpdatedAtSeconds,
			}).Error
	})
	if txErr != nil {
		return Room{}, s.mutationError(opRename, roomID.String(), txErr)
	}

	s.invalidate(ctx, roomID.String(), aclEmails...)
	return updated, nil
}

// Share grants a new collaborator access to the room. Sharing with an email
// already on the ACL is rejected before any write. On success a
// permissionUpdated and a documentShared event are published for the target.
func (s *Service) Share(ctx context.Context, roomID RoomID, requester Requester, targetEmail Email, userType UserType) (RoomAccess, error) {
	var access RoomAccess
	var aclEmails []string
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		room, acl, err := s.loadRoomForUpdate(tx, roomID.String())
		if err != nil {
			return err
		}
		if err := s.requireAccess(room, acl, requester.Email.String()); err != nil {
			return err
		}
		role := ResolveRole(room.CreatorEmail, acl, requester.Email.String())
		if !CanShare(role) {
			return ErrForbidden
		}
		target := targetEmail.String()
		if _, exists := acl[target]; exists || target == room.CreatorEmail {
			return ErrAlreadyCollaborator
		}

		now := s.clock().UTC().Unix()
		access = RoomAccess{
			RoomID:           room.RoomID,
			Email:            target,
			CanWrite:         userType == UserTypeEditor,
			UpdatedAtSeconds: now,
		}
		if err := tx.Create(&access).Error; err != nil {
			return err
		}
		aclEmails = append(emailsOf(room, acl), target)
		return s.touchRoom(tx, room.RoomID, now)
	})
	if txErr != nil {
		return RoomAccess{}, s.mutationError(opShare, roomID.String(), txErr)
	}

	s.invalidate(ctx, roomID.String(), aclEmails...)
	s.publish(events.Event{
		Type:     events.TypePermissionUpdated,
		Email:    targetEmail.String(),
		UserType: string(userType),
		RoomID:   roomID.String(),
	})
	s.publish(events.Event{
		Type:     events.TypeDocumentShared,
		Email:    targetEmail.String(),
		UserType: string(userType),
		RoomID:   roomID.String(),
	})
	s.logger.Info("room shared",
		zap.String("room_id", roomID.String()),
		zap.String("email", targetEmail.String()),
		zap.String("user_type", string(userType)))
	return access, nil
}

// UpdateAccess changes an existing collaborator's access level. Owner only;
// the creator's own entry is immutable through this path. Self-demotion of a
// non-creator editor is allowed, even when they are the last one.
func (s *Service) UpdateAccess(ctx context.Context, roomID RoomID, requester Requester, targetEmail Email, userType UserType) (RoomAccess, error) {
	var access RoomAccess
	var aclEmails []string
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		room, acl, err := s.loadRoomForUpdate(tx, roomID.String())
		if err != nil {
			return err
		}
		role := ResolveRole(room.CreatorEmail, acl, requester.Email.String())
		target := targetEmail.String()
		if !CanChangeRole(role, target == room.CreatorEmail) {
			return ErrForbidden
		}
		if _, exists := acl[target]; !exists {
			return ErrNoSuchCollaborator
		}

		now := s.clock().UTC().Unix()
		access = RoomAccess{
			RoomID:           room.RoomID,
			Email:            target,
			CanWrite:         userType == UserTypeEditor,
			UpdatedAtSeconds: now,
		}
		if err := tx.Model(&RoomAccess{}).
			Where("room_id = ? AND email = ?", room.RoomID, target).
			Updates(map[string]interface{}{
				"can_write":    access.CanWrite,
				"updated_at_s": now,
			}).Error; err != nil {
			return err
		}
		aclEmails = emailsOf(room, acl)
		return s.touchRoom(tx, room.RoomID, now)
	})
	if txErr != nil {
		return RoomAccess{}, s.mutationError(opUpdateAccess, roomID.String(), txErr)
	}

	s.invalidate(ctx, roomID.String(), aclEmails...)
	s.publish(events.Event{
		Type:     events.TypePermissionUpdated,
		Email:    targetEmail.String(),
		UserType: string(userType),
		RoomID:   roomID.String(),
	})
	return access, nil
}

// RemoveCollaborator deletes an ACL entry. Only the creator may remove
// collaborators, and the creator's own entry can never be removed.
func (s *Service) RemoveCollaborator(ctx context.Context, roomID RoomID, requester Requester, targetEmail Email) error {
	var aclEmails []string
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		room, acl, err := s.loadRoomForUpdate(tx, roomID.String())
		if err != nil {
			return err
		}
		target := targetEmail.String()
		if !CanRemoveCollaborator(requester.ID, room.CreatorID, collaboratorID(room, target)) {
			return ErrForbidden
		}
		if _, exists := acl[target]; !exists {
			return ErrNoSuchCollaborator
		}

		if err := tx.Where("room_id = ? AND email = ?", room.RoomID, target).
			Delete(&RoomAccess{}).Error; err != nil {
			return err
		}
		aclEmails = emailsOf(room, acl)
		return s.touchRoom(tx, room.RoomID, s.clock().UTC().Unix())
	})
	if txErr != nil {
		return s.mutationError(opRemoveCollaborator, roomID.String(), txErr)
	}

	s.invalidate(ctx, roomID.String(), aclEmails...)
	s.publish(events.Event{
		Type:     events.TypePermissionUpdated,
		Email:    targetEmail.String(),
		UserType: string(UserTypeViewer),
		RoomID:   roomID.String(),
	})
	s.logger.Info("collaborator removed",
		zap.String("room_id", roomID.String()),
		zap.String("email", targetEmail.String()))
	return nil
}

// Delete removes the room and its ACL. Owner only and terminal: every
// collaborator receives a permissionUpdated event so their views discard the
// room.
func (s *Service) Delete(ctx context.Context, roomID RoomID, requester Requester) error {
	var aclEmails []string
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		room, acl, err := s.loadRoomForUpdate(tx, roomID.String())
		if err != nil {
			return err
		}
		role := ResolveRole(room.CreatorEmail, acl, requester.Email.String())
		if !CanDelete(role) || requester.ID != room.CreatorID {
			return ErrForbidden
		}

		if err := tx.Where("room_id = ?", room.RoomID).Delete(&RoomAccess{}).Error; err != nil {
			return err
		}
		if err := tx.Where("room_id = ?", room.RoomID).Delete(&Room{}).Error; err != nil {
			return err
		}
		aclEmails = emailsOf(room, acl)
		return nil
	})
	if txErr != nil {
		return s.mutationError(opDelete, roomID.String(), txErr)
	}

	s.invalidate(ctx, roomID.String(), aclEmails...)
	for _, email := range aclEmails {
		s.publish(events.Event{
			Type:   events.TypePermissionUpdated,
			Email:  email,
			RoomID: roomID.String(),
		})
	}
	s.logger.Info("room deleted", zap.String("room_id", roomID.String()))
	return nil
}

// Collaborators returns the share-list view of the room's ACL, joined
// against the user directory. Emails without a directory record keep their
// ACL typing (defaulting to viewer) and a nil profile.
func (s *Service) Collaborators(ctx context.Context, roomID RoomID, requesterEmail Email) ([]Collaborator, error) {
	view, err := s.Get(ctx, roomID, requesterEmail)
	if err != nil {
		return nil, err
	}

	emails := make([]string, 0, len(view.ACL))
	for email := range view.ACL {
		emails = append(emails, email)
	}

	profiles := map[string]Profile{}
	if s.directory != nil && len(emails) > 0 {
		found, err := s.directory.LookupByEmails(ctx, emails)
		if err != nil {
			s.logError(opCollaborators, "directory_lookup_failed", err, zap.String("room_id", roomID.String()))
			return nil, newServiceError(opCollaborators, "directory_lookup_failed", err)
		}
		for _, profile := range found {
			profiles[profile.Email] = profile
		}
	}

	collaborators := make([]Collaborator, 0, len(emails))
	for _, email := range emails {
		userType := view.ACL[email]
		if userType == "" {
			userType = UserTypeViewer
		}
		entry := Collaborator{Email: email, UserType: userType}
		if profile, ok := profiles[email]; ok {
			p := profile
			entry.Profile = &p
		}
		collaborators = append(collaborators, entry)
	}
	return collaborators, nil
}

func (s *Service) loadRoom(ctx context.Context, db *gorm.DB, roomID string) (Room, ACL, error) {
	var room Room
	err := db.WithContext(ctx).Where("room_id = ?", roomID).Take(&room).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Room{}, nil, ErrRoomNotFound
	}
	if err != nil {
		return Room{}, nil, err
	}
	acl, err := s.loadACL(db.WithContext(ctx), roomID)
	if err != nil {
		return Room{}, nil, err
	}
	return room, acl, nil
}

func (s *Service) loadRoomForUpdate(tx *gorm.DB, roomID string) (Room, ACL, error) {
	var room Room
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("room_id = ?", roomID).
		Take(&room).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Room{}, nil, ErrRoomNotFound
	}
	if err != nil {
		return Room{}, nil, err
	}
	acl, err := s.loadACL(tx, roomID)
	if err != nil {
		return Room{}, nil, err
	}
	return room, acl, nil
}

func (s *Service) loadACL(tx *gorm.DB, roomID string) (ACL, error) {
	var entries []RoomAccess
	if err := tx.Where("room_id = ?", roomID).Find(&entries).Error; err != nil {
		return nil, err
	}
	acl := make(ACL, len(entries))
	for _, entry := range entries {
		acl[entry.Email] = entry.UserType()
	}
	return acl, nil
}

func (s *Service) requireAccess(room Room, acl ACL, email string) error {
	if email == room.CreatorEmail {
		return nil
	}
	if _, listed := acl[email]; listed {
		return nil
	}
	return ErrNoAccess
}

func (s *Service) touchRoom(tx *gorm.DB, roomID string, now int64) error {
	return tx.Model(&Room{}).
		Where("room_id = ?", roomID).
		Update("updated_at_s", now).Error
}

func (s *Service) invalidate(ctx context.Context, roomID string, emails ...string) {
	if s.cache == nil {
		return
	}
	s.cache.InvalidateRoom(ctx, roomID)
	s.cache.InvalidateLists(ctx, emails...)
}

func (s *Service) publish(event events.Event) {
	if s.publisher == nil {
		return
	}
	event.Timestamp = s.clock().UTC()
	s.publisher.Publish(event)
}

func (s *Service) mutationError(operation, roomID string, err error) error {
	switch {
	case errors.Is(err, ErrRoomNotFound):
		return newServiceError(operation, "not_found", err)
	case errors.Is(err, ErrNoAccess):
		return newServiceError(operation, "no_access", err)
	case errors.Is(err, ErrForbidden):
		return newServiceError(operation, "forbidden", err)
	case errors.Is(err, ErrAlreadyCollaborator):
		return newServiceError(operation, "already_collaborator", err)
	case errors.Is(err, ErrNoSuchCollaborator):
		return newServiceError(operation, "no_such_collaborator", err)
	default:
		s.logError(operation, "storage_failed", err, zap.String("room_id", roomID))
		return newServiceError(operation, "storage_failed", err)
	}
}

func (s *Service) wrapLoadError(operation, roomID string, err error) error {
	if errors.Is(err, ErrRoomNotFound) {
		return newServiceError(operation, "not_found", err)
	}
	s.logError(operation, "query_failed", err, zap.String("room_id", roomID))
	return newServiceError(operation, "query_failed", err)
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("rooms service error", attrs...)
}

// collaboratorID maps an ACL email to the identifier CanRemoveCollaborator
// compares against the creator. Only the creator's email resolves to the
// creator id; everyone else is identified by email.
func collaboratorID(room Room, email string) string {
	if email == room.CreatorEmail {
		return room.CreatorID
	}
	return email
}

func emailsOf(room Room, acl ACL) []string {
	emails := make([]string, 0, len(acl)+1)
	seen := map[string]struct{}{}
	for email := range acl {
		emails = append(emails, email)
		seen[email] = struct{}{}
	}
	if _, ok := seen[room.CreatorEmail]; !ok {
		emails = append(emails, room.CreatorEmail)
	}
	return emails
}
