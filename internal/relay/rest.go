package relay

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/huddlekit/huddle/internal/auth"
	"github.com/huddlekit/huddle/internal/store"
	"github.com/huddlekit/huddle/internal/wire"
	"go.uber.org/zap"
)

const claimsContextKey = "huddle_room_claims"

// documentPayload is the REST shape of a room document.
type documentPayload struct {
	RoomID       string `json:"room_id"`
	Content      string `json:"content"`
	WriterUserID string `json:"writer_user_id"`
	UpdatedAtMs  int64  `json:"updated_at_ms"`
}

type documentWriteRequest struct {
	Content string `json:"content"`
}

// messagePayload is the REST shape of a chat row.
type messagePayload struct {
	ID          string               `json:"id"`
	RoomID      string               `json:"room_id"`
	UserID      string               `json:"user_id"`
	UserName    string               `json:"user_name"`
	Body        string               `json:"body"`
	CreatedAtMs int64                `json:"created_at_ms"`
	Mentions    []wire.MentionedUser `json:"mentions,omitempty"`
}

type userPayload struct {
	ID       string `json:"id"`
	UserName string `json:"user_name"`
}

type upsertUserRequest struct {
	UserID      string `json:"user_id" binding:"required"`
	UserName    string `json:"user_name" binding:"required"`
	DisplayName string `json:"display_name"`
}

type mentionRequest struct {
	ReceiverID  string `json:"receiver_id" binding:"required"`
	MessageText string `json:"message_text"`
}

// authorizeRequest validates the bearer token and stashes its claims. Room
// scoped routes additionally require the path room to match the token.
func (h *relayHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization header missing or invalid"})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	claims, err := h.tokens.ValidateRoomToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(claimsContextKey, claims)
	c.Next()
}

func roomClaims(c *gin.Context) (auth.RoomClaims, bool) {
	value, ok := c.Get(claimsContextKey)
	if !ok {
		return auth.RoomClaims{}, false
	}
	claims, ok := value.(auth.RoomClaims)
	return claims, ok
}

// requireRoom rejects requests whose path room does not match the token's.
func requireRoom(c *gin.Context) (auth.RoomClaims, bool) {
	claims, ok := roomClaims(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return auth.RoomClaims{}, false
	}
	if c.Param("room") != claims.Room {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "room_forbidden"})
		return auth.RoomClaims{}, false
	}
	return claims, true
}

func (h *relayHandler) handleReadDocument(c *gin.Context) {
	claims, ok := requireRoom(c)
	if !ok {
		return
	}

	document, err := h.stores.ReadDocument(c.Request.Context(), claims.Room)
	if errors.Is(err, store.ErrDocumentNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "document_not_found"})
		return
	}
	if err != nil {
		h.logger.Error("document read failed", zap.String("room", claims.Room), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "document_read_failed"})
		return
	}

	c.JSON(http.StatusOK, documentPayload{
		RoomID:       document.RoomID,
		Content:      document.Content,
		WriterUserID: document.WriterUserID,
		UpdatedAtMs:  document.UpdatedAt.UnixMilli(),
	})
}

// handleWriteDocument replaces the room document. The writer identity comes
// from the token, never the body; the store publishes the matching feed event
// once the row is durable.
func (h *relayHandler) handleWriteDocument(c *gin.Context) {
	claims, ok := requireRoom(c)
	if !ok {
		return
	}

	var request documentWriteRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	if err := h.stores.UpsertDocument(c.Request.Context(), claims.Room, request.Content, claims.UserID); err != nil {
		h.logger.Error("document write failed", zap.String("room", claims.Room), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "document_write_failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *relayHandler) handleListMessages(c *gin.Context) {
	claims, ok := requireRoom(c)
	if !ok {
		return
	}

	limit := 100
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
			return
		}
		limit = parsed
	}

	messages, err := h.stores.ListMessages(c.Request.Context(), claims.Room, limit)
	if err != nil {
		h.logger.Error("message list failed", zap.String("room", claims.Room), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "message_list_failed"})
		return
	}

	payload := make([]messagePayload, 0, len(messages))
	for _, message := range messages {
		payload = append(payload, messagePayload{
			ID:          message.ID,
			RoomID:      message.RoomID,
			UserID:      message.UserID,
			UserName:    message.UserName,
			Body:        message.Body,
			CreatedAtMs: message.CreatedAt.UnixMilli(),
			Mentions:    message.Mentions,
		})
	}
	c.JSON(http.StatusOK, gin.H{"messages": payload})
}

func (h *relayHandler) handleInsertMessage(c *gin.Context) {
	claims, ok := requireRoom(c)
	if !ok {
		return
	}

	var request messagePayload
	if err := c.ShouldBindJSON(&request); err != nil || request.ID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	createdAt := time.UnixMilli(request.CreatedAtMs).UTC()
	if request.CreatedAtMs == 0 {
		createdAt = time.Now().UTC()
	}

	err := h.stores.InsertMessage(c.Request.Context(), store.Message{
		ID:        request.ID,
		RoomID:    claims.Room,
		UserID:    claims.UserID,
		UserName:  request.UserName,
		Body:      request.Body,
		CreatedAt: createdAt,
		Mentions:  request.Mentions,
	})
	if err != nil {
		h.logger.Error("message insert failed", zap.String("room", claims.Room), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "message_insert_failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *relayHandler) handleSearchUsers(c *gin.Context) {
	if _, ok := roomClaims(c); !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	query := strings.TrimSpace(c.Query("q"))
	if query == "" {
		c.JSON(http.StatusOK, gin.H{"users": []userPayload{}})
		return
	}

	users, err := h.stores.SearchUsers(c.Request.Context(), query)
	if err != nil {
		h.logger.Error("user search failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "user_search_failed"})
		return
	}

	payload := make([]userPayload, 0, len(users))
	for _, user := range users {
		payload = append(payload, userPayload{ID: user.ID, UserName: user.UserName})
	}
	c.JSON(http.StatusOK, gin.H{"users": payload})
}

func (h *relayHandler) handleUpsertUser(c *gin.Context) {
	if _, ok := roomClaims(c); !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var request upsertUserRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id and user_name are required"})
		return
	}

	if err := h.stores.UpsertUser(c.Request.Context(), request.UserID, request.UserName, request.DisplayName); err != nil {
		h.logger.Error("user upsert failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "user_upsert_failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleNotifyMention records a mention trigger. Sender and room come from
// the token.
func (h *relayHandler) handleNotifyMention(c *gin.Context) {
	claims, ok := roomClaims(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var request mentionRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "receiver_id is required"})
		return
	}

	err := h.stores.NotifyMention(c.Request.Context(), claims.UserID, request.ReceiverID, claims.Room, request.MessageText)
	if err != nil {
		h.logger.Error("mention notify failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "mention_notify_failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
