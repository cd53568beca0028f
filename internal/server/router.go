package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/duetchat/backend/internal/chat"
	"github.com/duetchat/backend/internal/gateway"
	"github.com/duetchat/backend/internal/push"
	"github.com/duetchat/backend/internal/storage"
	"github.com/duetchat/backend/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const phoneContextKey = "duet_phone"

var (
	errMissingTokens   = errors.New("credential authority dependency required")
	errMissingUsers    = errors.New("user service dependency required")
	errMissingMessages = errors.New("chat service dependency required")
	errMissingGateway  = errors.New("gateway dependency required")
	errMissingPush     = errors.New("push dispatcher dependency required")

	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// CredentialAuthority issues login tokens and verifies presented ones.
type CredentialAuthority interface {
	IssueToken(phone string) (string, int64, error)
	Verify(token string) (string, error)
}

// AvatarStorage is the object store behind avatar upload and signed URLs.
type AvatarStorage interface {
	Upload(ctx context.Context, userID int64, contentType string, reader io.Reader, size int64) (string, error)
	Delete(ctx context.Context, key string) error
	SignedURL(ctx context.Context, key string) (string, error)
}

// Dependencies wires the HTTP surface to its collaborators. Avatars may be
// nil, in which case avatar endpoints report the storage as unavailable.
type Dependencies struct {
	Tokens   CredentialAuthority
	Users    *users.Service
	Messages *chat.Service
	Gateway  *gateway.Gateway
	Push     *push.Dispatcher
	Avatars  AvatarStorage
	Logger   *zap.Logger
}

// NewHTTPHandler builds the gin router for the whole API, websocket endpoint
// included.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Tokens == nil {
		return nil, errMissingTokens
	}
	if deps.Users == nil {
		return nil, errMissingUsers
	}
	if deps.Messages == nil {
		return nil, errMissingMessages
	}
	if deps.Gateway == nil {
		return nil, errMissingGateway
	}
	if deps.Push == nil {
		return nil, errMissingPush
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		tokens:   deps.Tokens,
		users:    deps.Users,
		messages: deps.Messages,
		gateway:  deps.Gateway,
		push:     deps.Push,
		avatars:  deps.Avatars,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}

	router.GET("/health", handler.handleHealth)
	router.POST("/login", handler.handleLogin)
	router.GET("/ws", handler.handleWebsocket)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/check", handler.handleCheck)
	protected.GET("/chat/messages", handler.handleGetMessages)
	protected.GET("/chat/messages/after/:lastMessageId", handler.handleGetMessagesAfter)
	protected.DELETE("/chat/messages/:id", handler.handleDeleteMessage)
	protected.POST("/push/subscribe", handler.handlePushSubscribe)
	protected.DELETE("/push/unsubscribe", handler.handlePushUnsubscribe)
	protected.GET("/user/me", handler.handleGetProfile)
	protected.PUT("/user/me", handler.handleUpdateProfile)
	protected.POST("/user/me/avatar", handler.handleUploadAvatar)
	protected.DELETE("/user/me/avatar", handler.handleDeleteAvatar)

	return router, nil
}

type httpHandler struct {
	tokens   CredentialAuthority
	users    *users.Service
	messages *chat.Service
	gateway  *gateway.Gateway
	push     *push.Dispatcher
	avatars  AvatarStorage
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type loginRequestPayload struct {
	Phone string `json:"phone"`
}

type loginResponsePayload struct {
	Token     string `json:"token"`
	ExpiresIn int64  `json:"expires_in"`
	TokenType string `json:"token_type"`
}

func (h *httpHandler) handleLogin(c *gin.Context) {
	var request loginRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	phone, err := users.NormalizePhone(request.Phone)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_phone"})
		return
	}

	if _, err := h.users.GetByPhone(c.Request.Context(), phone); err != nil {
		if errors.Is(err, users.ErrUserNotFound) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unknown_phone"})
			return
		}
		h.logger.Error("login lookup failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "login_failed"})
		return
	}

	token, expiresIn, err := h.tokens.IssueToken(phone)
	if err != nil {
		h.logger.Error("failed to issue token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.JSON(http.StatusOK, loginResponsePayload{
		Token:     token,
		ExpiresIn: expiresIn,
		TokenType: "Bearer",
	})
}

func (h *httpHandler) handleCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"phone": c.GetString(phoneContextKey)})
}

type messagePayload struct {
	ID        int64     `json:"id"`
	Text      string    `json:"text"`
	Phone     string    `json:"phone"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

type participantPayload struct {
	Phone    string     `json:"phone"`
	Name     string     `json:"name"`
	IsOnline bool       `json:"isOnline"`
	LastSeen *time.Time `json:"lastSeen"`
}

type messagesResponsePayload struct {
	Messages    []messagePayload    `json:"messages"`
	Participant *participantPayload `json:"participant"`
}

func (h *httpHandler) handleGetMessages(c *gin.Context) {
	phone := c.GetString(phoneContextKey)
	limit := parseLimit(c.Query("limit"))

	messages, err := h.messages.ListRecent(c.Request.Context(), limit)
	if err != nil {
		h.logger.Error("failed to list messages", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "messages_failed"})
		return
	}

	response := messagesResponsePayload{Messages: toMessagePayloads(messages)}
	participant, err := h.users.OtherParticipant(c.Request.Context(), phone)
	if err == nil {
		response.Participant = &participantPayload{
			Phone:    participant.Phone,
			Name:     participant.Name,
			IsOnline: participant.IsOnline,
			LastSeen: participant.LastSeen,
		}
	} else if !errors.Is(err, users.ErrNoOtherParticipant) {
		h.logger.Error("failed to resolve participant", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "messages_failed"})
		return
	}

	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleGetMessagesAfter(c *gin.Context) {
	lastMessageID, err := strconv.ParseInt(c.Param("lastMessageId"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_message_id"})
		return
	}

	messages, err := h.messages.ListAfter(c.Request.Context(), lastMessageID, parseLimit(c.Query("limit")))
	if err != nil {
		h.logger.Error("failed to list messages", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "messages_failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"messages": toMessagePayloads(messages)})
}

func (h *httpHandler) handleDeleteMessage(c *gin.Context) {
	messageID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_message_id"})
		return
	}

	phone := c.GetString(phoneContextKey)
	if err := h.messages.DeleteMessage(c.Request.Context(), messageID, phone); err != nil {
		if errors.Is(err, chat.ErrMessageNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "message_not_found"})
			return
		}
		h.logger.Error("failed to delete message", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete_failed"})
		return
	}

	h.gateway.BroadcastMessageDeleted(messageID)
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *httpHandler) handlePushSubscribe(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, 16*1024))
	if err != nil || len(body) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_subscription"})
		return
	}

	phone := c.GetString(phoneContextKey)
	if err := h.push.Subscribe(c.Request.Context(), phone, string(body)); err != nil {
		h.logger.Error("failed to save subscription", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "subscribe_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *httpHandler) handlePushUnsubscribe(c *gin.Context) {
	phone := c.GetString(phoneContextKey)
	if err := h.push.Unsubscribe(c.Request.Context(), phone); err != nil {
		h.logger.Error("failed to remove subscription", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "unsubscribe_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

type profileResponsePayload struct {
	ID        int64      `json:"id"`
	Phone     string     `json:"phone"`
	Name      string     `json:"name"`
	IsOnline  bool       `json:"isOnline"`
	LastSeen  *time.Time `json:"lastSeen"`
	AvatarURL string     `json:"avatarUrl"`
	CreatedAt time.Time  `json:"createdAt"`
}

func (h *httpHandler) handleGetProfile(c *gin.Context) {
	phone := c.GetString(phoneContextKey)
	user, err := h.users.GetByPhone(c.Request.Context(), phone)
	if err != nil {
		if errors.Is(err, users.ErrUserNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "user_not_found"})
			return
		}
		h.logger.Error("profile lookup failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "profile_failed"})
		return
	}
	c.JSON(http.StatusOK, h.toProfilePayload(c.Request.Context(), user))
}

type updateProfilePayload struct {
	Name  *string `json:"name"`
	Phone *string `json:"phone"`
}

func (h *httpHandler) handleUpdateProfile(c *gin.Context) {
	var request updateProfilePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	phone := c.GetString(phoneContextKey)
	user, err := h.users.UpdateProfile(c.Request.Context(), phone, users.ProfileChanges{
		Name:  request.Name,
		Phone: request.Phone,
	})
	if err != nil {
		switch {
		case errors.Is(err, users.ErrUserNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "user_not_found"})
		case errors.Is(err, users.ErrPhoneTaken):
			c.JSON(http.StatusConflict, gin.H{"error": "phone_taken"})
		case errors.Is(err, users.ErrInvalidPhone):
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_phone"})
		default:
			h.logger.Error("profile update failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "profile_failed"})
		}
		return
	}
	c.JSON(http.StatusOK, h.toProfilePayload(c.Request.Context(), user))
}

func (h *httpHandler) handleUploadAvatar(c *gin.Context) {
	if h.avatars == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "avatar_storage_unavailable"})
		return
	}

	phone := c.GetString(phoneContextKey)
	user, err := h.users.GetByPhone(c.Request.Context(), phone)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "user_not_found"})
		return
	}

	fileHeader, err := c.FormFile("avatar")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_file"})
		return
	}

	file, err := fileHeader.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable_file"})
		return
	}
	defer file.Close()

	key, err := h.avatars.Upload(c.Request.Context(), user.ID, fileHeader.Header.Get("Content-Type"), file, fileHeader.Size)
	if err != nil {
		h.avatarUploadError(c, err)
		return
	}

	if user.AvatarKey != "" {
		if err := h.avatars.Delete(c.Request.Context(), user.AvatarKey); err != nil {
			h.logger.Warn("failed to delete previous avatar", zap.String("key", user.AvatarKey), zap.Error(err))
		}
	}

	updated, err := h.users.SetAvatarKey(c.Request.Context(), phone, key)
	if err != nil {
		h.logger.Error("failed to store avatar key", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "avatar_failed"})
		return
	}
	c.JSON(http.StatusOK, h.toProfilePayload(c.Request.Context(), updated))
}

func (h *httpHandler) handleDeleteAvatar(c *gin.Context) {
	if h.avatars == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "avatar_storage_unavailable"})
		return
	}

	phone := c.GetString(phoneContextKey)
	user, err := h.users.GetByPhone(c.Request.Context(), phone)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "user_not_found"})
		return
	}
	if user.AvatarKey == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no_avatar"})
		return
	}

	if err := h.avatars.Delete(c.Request.Context(), user.AvatarKey); err != nil {
		h.logger.Error("failed to delete avatar object", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "avatar_failed"})
		return
	}

	updated, err := h.users.SetAvatarKey(c.Request.Context(), phone, "")
	if err != nil {
		h.logger.Error("failed to clear avatar key", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "avatar_failed"})
		return
	}
	c.JSON(http.StatusOK, h.toProfilePayload(c.Request.Context(), updated))
}

func (h *httpHandler) handleWebsocket(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	// authentication happens in-band through the authenticate control message
	h.gateway.ServeConnection(context.Background(), conn)
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	phone, err := h.tokens.Verify(token)
	if err != nil {
		h.logger.Warn("token verification failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(phoneContextKey, phone)
	c.Next()
}

func (h *httpHandler) avatarUploadError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, storage.ErrUnsupportedContentType):
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported_content_type"})
	case errors.Is(err, storage.ErrAvatarTooLarge):
		c.JSON(http.StatusBadRequest, gin.H{"error": "avatar_too_large"})
	default:
		h.logger.Error("avatar upload failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "avatar_failed"})
	}
}

func (h *httpHandler) toProfilePayload(ctx context.Context, user users.User) profileResponsePayload {
	avatarURL := ""
	if h.avatars != nil && user.AvatarKey != "" {
		signed, err := h.avatars.SignedURL(ctx, user.AvatarKey)
		if err != nil {
			h.logger.Warn("failed to sign avatar url", zap.String("key", user.AvatarKey), zap.Error(err))
		} else {
			avatarURL = signed
		}
	}
	return profileResponsePayload{
		ID:        user.ID,
		Phone:     user.Phone,
		Name:      user.Name,
		IsOnline:  user.IsOnline,
		LastSeen:  user.LastSeen,
		AvatarURL: avatarURL,
		CreatedAt: user.CreatedAt,
	}
}

func toMessagePayloads(messages []chat.Message) []messagePayload {
	payloads := make([]messagePayload, 0, len(messages))
	for _, message := range messages {
		payloads = append(payloads, messagePayload{
			ID:        message.ID,
			Text:      message.Text,
			Phone:     message.User.Phone,
			Name:      message.User.Name,
			CreatedAt: message.CreatedAt,
		})
	}
	return payloads
}

func parseLimit(raw string) int {
	if raw == "" {
		return 0
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0
	}
	return limit
}
