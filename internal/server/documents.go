package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/scriptorium-app/scriptorium/backend/internal/rooms"
)

type documentPayload struct {
	ID               string `json:"id"`
	Title            string `json:"title"`
	CreatorID        string `json:"creator_id"`
	CreatorEmail     string `json:"creator_email"`
	CreatedAtSeconds int64  `json:"created_at_s"`
	UpdatedAtSeconds int64  `json:"updated_at_s"`
}

type collaboratorPayload struct {
	Email     string `json:"email"`
	UserType  string `json:"user_type"`
	Known     bool   `json:"known"`
	ID        string `json:"id,omitempty"`
	Name      string `json:"name,omitempty"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

type documentViewPayload struct {
	Document      documentPayload       `json:"document"`
	Role          string                `json:"role"`
	UsersAccesses map[string][]string   `json:"users_accesses"`
	Collaborators []collaboratorPayload `json:"collaborators"`
}

type documentListPayload struct {
	Owned        []documentPayload `json:"owned"`
	SharedWithMe []documentPayload `json:"shared_with_me"`
}

func toDocumentPayload(room rooms.Room) documentPayload {
	return documentPayload{
		ID:               room.RoomID,
		Title:            room.Title,
		CreatorID:        room.CreatorID,
		CreatorEmail:     room.CreatorEmail,
		CreatedAtSeconds: room.CreatedAtSeconds,
		UpdatedAtSeconds: room.UpdatedAtSeconds,
	}
}

type createDocumentPayload struct {
	Title string `json:"title"`
}

func (h *httpHandler) handleCreateDocument(c *gin.Context) {
	requester, ok := h.sessionRequester(c)
	if !ok {
		return
	}
	var request createDocumentPayload
	if err := c.ShouldBindJSON(&request); err != nil && c.Request.ContentLength > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	room, err := h.roomService.Create(c.Request.Context(), requester.ID, requester.Email, request.Title)
	if err != nil {
		h.respondRoomError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toDocumentPayload(room))
}

func (h *httpHandler) handleListDocuments(c *gin.Context) {
	requester, ok := h.sessionRequester(c)
	if !ok {
		return
	}
	list, err := h.roomService.List(c.Request.Context(), requester.Email)
	if err != nil {
		h.respondRoomError(c, err)
		return
	}
	c.JSON(http.StatusOK, toDocumentListPayload(list))
}

func toDocumentListPayload(list rooms.RoomList) documentListPayload {
	payload := documentListPayload{
		Owned:        make([]documentPayload, 0, len(list.Owned)),
		SharedWithMe: make([]documentPayload, 0, len(list.SharedWithMe)),
	}
	for _, room := range list.Owned {
		payload.Owned = append(payload.Owned, toDocumentPayload(room))
	}
	for _, room := range list.SharedWithMe {
		payload.SharedWithMe = append(payload.SharedWithMe, toDocumentPayload(room))
	}
	return payload
}

func (h *httpHandler) handleGetDocument(c *gin.Context) {
	requester, ok := h.sessionRequester(c)
	if !ok {
		return
	}
	roomID, err := rooms.NewRoomID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_document_id"})
		return
	}

	view, err := h.roomService.Get(c.Request.Context(), roomID, requester.Email)
	if err != nil {
		h.respondRoomError(c, err)
		return
	}
	collaborators, err := h.roomService.Collaborators(c.Request.Context(), roomID, requester.Email)
	if err != nil {
		h.respondRoomError(c, err)
		return
	}

	accesses := make(map[string][]string, len(view.ACL))
	for email := range view.ACL {
		accesses[email] = view.ACL.Permissions(email)
	}
	payload := documentViewPayload{
		Document:      toDocumentPayload(view.Room),
		Role:          string(view.Role),
		UsersAccesses: accesses,
		Collaborators: make([]collaboratorPayload, 0, len(collaborators)),
	}
	for _, collaborator := range collaborators {
		entry := collaboratorPayload{
			Email:    collaborator.Email,
			UserType: string(collaborator.UserType),
			Known:    collaborator.Known(),
		}
		if collaborator.Profile != nil {
			entry.ID = collaborator.Profile.ID
			entry.Name = collaborator.Profile.Name
			entry.AvatarURL = collaborator.Profile.AvatarURL
		}
		payload.Collaborators = append(payload.Collaborators, entry)
	}
	c.JSON(http.StatusOK, payload)
}

type renamePayload struct {
	Title            string `json:"title"`
	ClientUpdatedAtS int64  `json:"client_updated_at_s"`
}

func (h *httpHandler) handleRenameDocument(c *gin.Context) {
	requester, ok := h.sessionRequester(c)
	if !ok {
		return
	}
	roomID, err := rooms.NewRoomID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_document_id"})
		return
	}
	var request renamePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	room, err := h.roomService.Rename(c.Request.Context(), roomID, requester, rooms.TitleChange{
		Title:           request.Title,
		ClientUpdatedAt: request.ClientUpdatedAtS,
	})
	if err != nil {
		h.respondRoomError(c, err)
		return
	}
	c.JSON(http.StatusOK, toDocumentPayload(room))
}

type accessPayload struct {
	Email    string `json:"email"`
	UserType string `json:"user_type"`
}

type accessResponsePayload struct {
	Email    string `json:"email"`
	UserType string `json:"user_type"`
	RoomID   string `json:"room_id"`
}

func (h *httpHandler) parseAccessRequest(c *gin.Context) (rooms.RoomID, rooms.Email, rooms.UserType, bool) {
	roomID, err := rooms.NewRoomID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_document_id"})
		return "", "", "", false
	}
	var request accessPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return "", "", "", false
	}
	email, err := rooms.NewEmail(request.Email)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_email"})
		return "", "", "", false
	}
	userType, err := rooms.ParseUserType(request.UserType)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_user_type"})
		return "", "", "", false
	}
	return roomID, email, userType, true
}

func (h *httpHandler) handleShareDocument(c *gin.Context) {
	requester, ok := h.sessionRequester(c)
	if !ok {
		return
	}
	roomID, email, userType, ok := h.parseAccessRequest(c)
	if !ok {
		return
	}

	access, err := h.roomService.Share(c.Request.Context(), roomID, requester, email, userType)
	if err != nil {
		h.respondRoomError(c, err)
		return
	}
	c.JSON(http.StatusCreated, accessResponsePayload{
		Email:    access.Email,
		UserType: string(access.UserType()),
		RoomID:   access.RoomID,
	})
}

func (h *httpHandler) handleUpdateAccess(c *gin.Context) {
	requester, ok := h.sessionRequester(c)
	if !ok {
		return
	}
	roomID, email, userType, ok := h.parseAccessRequest(c)
	if !ok {
		return
	}

	access, err := h.roomService.UpdateAccess(c.Request.Context(), roomID, requester, email, userType)
	if err != nil {
		h.respondRoomError(c, err)
		return
	}
	c.JSON(http.StatusOK, accessResponsePayload{
		Email:    access.Email,
		UserType: string(access.UserType()),
		RoomID:   access.RoomID,
	})
}

func (h *httpHandler) handleRemoveCollaborator(c *gin.Context) {
	requester, ok := h.sessionRequester(c)
	if !ok {
		return
	}
	roomID, err := rooms.NewRoomID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_document_id"})
		return
	}
	email, err := rooms.NewEmail(c.Param("email"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_email"})
		return
	}

	if err := h.roomService.RemoveCollaborator(c.Request.Context(), roomID, requester, email); err != nil {
		h.respondRoomError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleDeleteDocument(c *gin.Context) {
	requester, ok := h.sessionRequester(c)
	if !ok {
		return
	}
	roomID, err := rooms.NewRoomID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_document_id"})
		return
	}

	if err := h.roomService.Delete(c.Request.Context(), roomID, requester); err != nil {
		h.respondRoomError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) respondRoomError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, rooms.ErrRoomNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "document_not_found"})
	case errors.Is(err, rooms.ErrNoAccess):
		c.JSON(http.StatusForbidden, gin.H{"error": "no_access"})
	case errors.Is(err, rooms.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
	case errors.Is(err, rooms.ErrAlreadyCollaborator):
		c.JSON(http.StatusConflict, gin.H{"error": "already_collaborator"})
	case errors.Is(err, rooms.ErrNoSuchCollaborator):
		c.JSON(http.StatusNotFound, gin.H{"error": "collaborator_not_found"})
	case errors.Is(err, rooms.ErrInvalidTitle), errors.Is(err, rooms.ErrInvalidEmail), errors.Is(err, rooms.ErrInvalidUserType):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
	default:
		h.logger.Error("document operation failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "operation_failed"})
	}
}
