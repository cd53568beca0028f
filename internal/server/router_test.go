package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/duetchat/backend/internal/auth"
	"github.com/duetchat/backend/internal/chat"
	"github.com/duetchat/backend/internal/gateway"
	"github.com/duetchat/backend/internal/push"
	"github.com/duetchat/backend/internal/storage"
	"github.com/duetchat/backend/internal/users"
	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	testAlicePhone = "+380501112233"
	testBobPhone   = "+380671234567"
)

type stubAvatarStorage struct {
	uploaded map[string][]byte
	deleted  []string
	failWith error
}

func newStubAvatarStorage() *stubAvatarStorage {
	return &stubAvatarStorage{uploaded: map[string][]byte{}}
}

func (s *stubAvatarStorage) Upload(_ context.Context, userID int64, contentType string, reader io.Reader, _ int64) (string, error) {
	if s.failWith != nil {
		return "", s.failWith
	}
	if contentType != "image/png" && contentType != "image/jpeg" {
		return "", storage.ErrUnsupportedContentType
	}
	content, err := io.ReadAll(reader)
	if err != nil {
		return "", err
	}
	key := fmt.Sprintf("avatars/%d/%d.png", userID, len(s.uploaded)+1)
	s.uploaded[key] = content
	return key, nil
}

func (s *stubAvatarStorage) Delete(_ context.Context, key string) error {
	s.deleted = append(s.deleted, key)
	delete(s.uploaded, key)
	return nil
}

func (s *stubAvatarStorage) SignedURL(_ context.Context, key string) (string, error) {
	if key == "" {
		return "", nil
	}
	return "https://cdn.test/" + key, nil
}

type routerTestEnv struct {
	handler  http.Handler
	users    *users.Service
	messages *chat.Service
	tokens   *auth.TokenIssuer
	avatars  *stubAvatarStorage
}

func newRouterTestEnv(t *testing.T, avatars AvatarStorage) *routerTestEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := db.AutoMigrate(&users.User{}, &chat.Message{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	logger := zap.NewNop()
	userService, err := users.NewService(users.ServiceConfig{Database: db, Logger: logger})
	if err != nil {
		t.Fatalf("failed to build user service: %v", err)
	}
	chatService, err := chat.NewService(chat.ServiceConfig{Database: db, Users: userService, Logger: logger})
	if err != nil {
		t.Fatalf("failed to build chat service: %v", err)
	}
	issuer := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("router-test-secret"),
		Issuer:        "duet",
		Audience:      "duet-clients",
		TokenTTL:      time.Hour,
	})
	dispatcher, err := push.NewDispatcher(push.DispatcherConfig{
		Users:   userService,
		Channel: push.NopChannel{},
		Logger:  logger,
	})
	if err != nil {
		t.Fatalf("failed to build dispatcher: %v", err)
	}
	gw, err := gateway.New(gateway.Config{
		Users:    userService,
		Messages: chatService,
		Verifier: issuer,
		Push:     dispatcher,
		Logger:   logger,
	})
	if err != nil {
		t.Fatalf("failed to build gateway: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		Tokens:   issuer,
		Users:    userService,
		Messages: chatService,
		Gateway:  gw,
		Push:     dispatcher,
		Avatars:  avatars,
		Logger:   logger,
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}

	env := &routerTestEnv{handler: handler, users: userService, messages: chatService, tokens: issuer}
	if stub, ok := avatars.(*stubAvatarStorage); ok {
		env.avatars = stub
	}

	ctx := context.Background()
	if _, err := userService.Create(ctx, testAlicePhone, "Alice"); err != nil {
		t.Fatalf("failed to seed alice: %v", err)
	}
	if _, err := userService.Create(ctx, testBobPhone, "Bob"); err != nil {
		t.Fatalf("failed to seed bob: %v", err)
	}
	return env
}

func (env *routerTestEnv) tokenFor(t *testing.T, phone string) string {
	t.Helper()
	token, _, err := env.tokens.IssueToken(phone)
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	return token
}

func (env *routerTestEnv) do(t *testing.T, method, path, token string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	request := httptest.NewRequest(method, path, body)
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	if contentType != "" {
		request.Header.Set("Content-Type", contentType)
	}
	recorder := httptest.NewRecorder()
	env.handler.ServeHTTP(recorder, request)
	return recorder
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), target); err != nil {
		t.Fatalf("failed to decode response %q: %v", recorder.Body.String(), err)
	}
}

func TestLoginIssuesTokenForKnownPhone(t *testing.T) {
	env := newRouterTestEnv(t, nil)

	recorder := env.do(t, http.MethodPost, "/login", "", strings.NewReader(`{"phone":"+380501112233"}`), "application/json")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}

	var response loginResponsePayload
	decodeBody(t, recorder, &response)
	if response.Token == "" || response.TokenType != "Bearer" {
		t.Fatalf("unexpected login response: %+v", response)
	}

	phone, err := env.tokens.Verify(response.Token)
	if err != nil {
		t.Fatalf("issued token did not verify: %v", err)
	}
	if phone != testAlicePhone {
		t.Fatalf("expected token subject %q, got %q", testAlicePhone, phone)
	}
}

func TestLoginRejectsUnknownAndMalformedPhones(t *testing.T) {
	env := newRouterTestEnv(t, nil)

	recorder := env.do(t, http.MethodPost, "/login", "", strings.NewReader(`{"phone":"+380990000000"}`), "application/json")
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unknown phone, got %d", recorder.Code)
	}

	recorder = env.do(t, http.MethodPost, "/login", "", strings.NewReader(`{"phone":"not-a-phone"}`), "application/json")
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed phone, got %d", recorder.Code)
	}
}

func TestAuthorizeRequestGuardsProtectedRoutes(t *testing.T) {
	env := newRouterTestEnv(t, nil)

	recorder := env.do(t, http.MethodGet, "/check", "", nil, "")
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", recorder.Code)
	}

	recorder = env.do(t, http.MethodGet, "/check", "garbage-token", nil, "")
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with malformed token, got %d", recorder.Code)
	}

	recorder = env.do(t, http.MethodGet, "/check", env.tokenFor(t, testAlicePhone), nil, "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200 with valid token, got %d", recorder.Code)
	}
	var response map[string]string
	decodeBody(t, recorder, &response)
	if response["phone"] != testAlicePhone {
		t.Fatalf("expected phone %q, got %q", testAlicePhone, response["phone"])
	}
}

func TestGetMessagesReturnsHistoryAndParticipant(t *testing.T) {
	env := newRouterTestEnv(t, nil)
	ctx := context.Background()

	for _, text := range []string{"first", "second", "third"} {
		if _, err := env.messages.CreateMessage(ctx, testAlicePhone, text); err != nil {
			t.Fatalf("failed to seed message: %v", err)
		}
	}
	if _, err := env.users.SetPresence(ctx, testBobPhone, false); err != nil {
		t.Fatalf("failed to set presence: %v", err)
	}

	recorder := env.do(t, http.MethodGet, "/chat/messages?limit=2", env.tokenFor(t, testAlicePhone), nil, "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}

	var response messagesResponsePayload
	decodeBody(t, recorder, &response)
	if len(response.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(response.Messages))
	}
	if response.Messages[0].Text != "second" || response.Messages[1].Text != "third" {
		t.Fatalf("expected chronological tail, got %+v", response.Messages)
	}
	if response.Messages[0].Name != "Alice" {
		t.Fatalf("expected sender attached, got %+v", response.Messages[0])
	}
	if response.Participant == nil {
		t.Fatal("expected participant snapshot")
	}
	if response.Participant.Phone != testBobPhone || response.Participant.IsOnline {
		t.Fatalf("unexpected participant snapshot: %+v", response.Participant)
	}
	if response.Participant.LastSeen == nil {
		t.Fatal("expected offline participant to carry lastSeen")
	}
}

func TestGetMessagesAfterReturnsOnlyNewer(t *testing.T) {
	env := newRouterTestEnv(t, nil)
	ctx := context.Background()

	first, err := env.messages.CreateMessage(ctx, testAlicePhone, "seen already")
	if err != nil {
		t.Fatalf("failed to seed message: %v", err)
	}
	if _, err := env.messages.CreateMessage(ctx, testBobPhone, "fresh"); err != nil {
		t.Fatalf("failed to seed message: %v", err)
	}

	path := fmt.Sprintf("/chat/messages/after/%d", first.ID)
	recorder := env.do(t, http.MethodGet, path, env.tokenFor(t, testAlicePhone), nil, "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}

	var response struct {
		Messages []messagePayload `json:"messages"`
	}
	decodeBody(t, recorder, &response)
	if len(response.Messages) != 1 || response.Messages[0].Text != "fresh" {
		t.Fatalf("expected only the newer message, got %+v", response.Messages)
	}
}

func TestDeleteMessageEnforcesOwnership(t *testing.T) {
	env := newRouterTestEnv(t, nil)
	ctx := context.Background()

	message, err := env.messages.CreateMessage(ctx, testAlicePhone, "mine")
	if err != nil {
		t.Fatalf("failed to seed message: %v", err)
	}

	path := fmt.Sprintf("/chat/messages/%d", message.ID)
	recorder := env.do(t, http.MethodDelete, path, env.tokenFor(t, testBobPhone), nil, "")
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404 deleting someone else's message, got %d", recorder.Code)
	}

	recorder = env.do(t, http.MethodDelete, path, env.tokenFor(t, testAlicePhone), nil, "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200 for owner delete, got %d: %s", recorder.Code, recorder.Body.String())
	}

	recorder = env.do(t, http.MethodDelete, path, env.tokenFor(t, testAlicePhone), nil, "")
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for repeated delete, got %d", recorder.Code)
	}
}

func TestPushSubscribeAndUnsubscribe(t *testing.T) {
	env := newRouterTestEnv(t, nil)
	subscription := `{"endpoint":"https://push.example.com/abc","keys":{"p256dh":"key","auth":"auth"}}`

	recorder := env.do(t, http.MethodPost, "/push/subscribe", env.tokenFor(t, testAlicePhone), strings.NewReader(subscription), "application/json")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}

	user, err := env.users.GetByPhone(context.Background(), testAlicePhone)
	if err != nil {
		t.Fatalf("failed to reload user: %v", err)
	}
	if user.PushSubscription != subscription {
		t.Fatalf("expected subscription stored, got %q", user.PushSubscription)
	}

	recorder = env.do(t, http.MethodDelete, "/push/unsubscribe", env.tokenFor(t, testAlicePhone), nil, "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	user, err = env.users.GetByPhone(context.Background(), testAlicePhone)
	if err != nil {
		t.Fatalf("failed to reload user: %v", err)
	}
	if user.PushSubscription != "" {
		t.Fatalf("expected subscription cleared, got %q", user.PushSubscription)
	}
}

func TestPushSubscribeRejectsEmptyBody(t *testing.T) {
	env := newRouterTestEnv(t, nil)

	recorder := env.do(t, http.MethodPost, "/push/subscribe", env.tokenFor(t, testAlicePhone), strings.NewReader(""), "application/json")
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty subscription, got %d", recorder.Code)
	}
}

func TestUpdateProfileAppliesChangesAndDetectsConflicts(t *testing.T) {
	env := newRouterTestEnv(t, nil)
	token := env.tokenFor(t, testAlicePhone)

	recorder := env.do(t, http.MethodPut, "/user/me", token, strings.NewReader(`{"name":"Alicia"}`), "application/json")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var profile profileResponsePayload
	decodeBody(t, recorder, &profile)
	if profile.Name != "Alicia" {
		t.Fatalf("expected renamed profile, got %+v", profile)
	}

	recorder = env.do(t, http.MethodPut, "/user/me", token, strings.NewReader(`{"phone":"+380671234567"}`), "application/json")
	if recorder.Code != http.StatusConflict {
		t.Fatalf("expected 409 for taken phone, got %d", recorder.Code)
	}

	recorder = env.do(t, http.MethodPut, "/user/me", token, strings.NewReader(`{"phone":"12345"}`), "application/json")
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed phone, got %d", recorder.Code)
	}
}

func buildAvatarForm(t *testing.T, contentType string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	header := make(map[string][]string)
	header["Content-Disposition"] = []string{`form-data; name="avatar"; filename="avatar.png"`}
	header["Content-Type"] = []string{contentType}
	part, err := writer.CreatePart(header)
	if err != nil {
		t.Fatalf("failed to build form: %v", err)
	}
	if _, err := part.Write(content); err != nil {
		t.Fatalf("failed to write form: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("failed to close form: %v", err)
	}
	return body, writer.FormDataContentType()
}

func TestAvatarUploadStoresObjectAndSignsURL(t *testing.T) {
	stub := newStubAvatarStorage()
	env := newRouterTestEnv(t, stub)
	token := env.tokenFor(t, testAlicePhone)

	body, contentType := buildAvatarForm(t, "image/png", []byte("png-bytes"))
	recorder := env.do(t, http.MethodPost, "/user/me/avatar", token, body, contentType)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}

	var profile profileResponsePayload
	decodeBody(t, recorder, &profile)
	if !strings.HasPrefix(profile.AvatarURL, "https://cdn.test/avatars/") {
		t.Fatalf("expected signed avatar url, got %q", profile.AvatarURL)
	}
	if len(stub.uploaded) != 1 {
		t.Fatalf("expected one stored object, got %d", len(stub.uploaded))
	}

	// a second upload replaces the first object
	body, contentType = buildAvatarForm(t, "image/png", []byte("newer-bytes"))
	recorder = env.do(t, http.MethodPost, "/user/me/avatar", token, body, contentType)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	if len(stub.deleted) != 1 {
		t.Fatalf("expected previous object deleted, got %v", stub.deleted)
	}
}

func TestAvatarUploadRejectsUnsupportedContentType(t *testing.T) {
	env := newRouterTestEnv(t, newStubAvatarStorage())

	body, contentType := buildAvatarForm(t, "text/plain", []byte("not an image"))
	recorder := env.do(t, http.MethodPost, "/user/me/avatar", env.tokenFor(t, testAlicePhone), body, contentType)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", recorder.Code, recorder.Body.String())
	}
}

func TestAvatarEndpointsReportStorageUnavailable(t *testing.T) {
	env := newRouterTestEnv(t, nil)
	token := env.tokenFor(t, testAlicePhone)

	body, contentType := buildAvatarForm(t, "image/png", []byte("png-bytes"))
	recorder := env.do(t, http.MethodPost, "/user/me/avatar", token, body, contentType)
	if recorder.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without storage, got %d", recorder.Code)
	}

	recorder = env.do(t, http.MethodDelete, "/user/me/avatar", token, nil, "")
	if recorder.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without storage, got %d", recorder.Code)
	}
}

func TestDeleteAvatarClearsKeyAndObject(t *testing.T) {
	stub := newStubAvatarStorage()
	env := newRouterTestEnv(t, stub)
	token := env.tokenFor(t, testAlicePhone)

	recorder := env.do(t, http.MethodDelete, "/user/me/avatar", token, nil, "")
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 when no avatar exists, got %d", recorder.Code)
	}

	body, contentType := buildAvatarForm(t, "image/png", []byte("png-bytes"))
	recorder = env.do(t, http.MethodPost, "/user/me/avatar", token, body, contentType)
	if recorder.Code != http.StatusOK {
		t.Fatalf("failed to seed avatar: %d", recorder.Code)
	}

	recorder = env.do(t, http.MethodDelete, "/user/me/avatar", token, nil, "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var profile profileResponsePayload
	decodeBody(t, recorder, &profile)
	if profile.AvatarURL != "" {
		t.Fatalf("expected empty avatar url, got %q", profile.AvatarURL)
	}
	if len(stub.uploaded) != 0 {
		t.Fatalf("expected object removed, got %d remaining", len(stub.uploaded))
	}
}

func TestGetProfileIncludesPresence(t *testing.T) {
	env := newRouterTestEnv(t, nil)
	ctx := context.Background()

	if _, err := env.users.SetPresence(ctx, testAlicePhone, false); err != nil {
		t.Fatalf("failed to set presence: %v", err)
	}

	recorder := env.do(t, http.MethodGet, "/user/me", env.tokenFor(t, testAlicePhone), nil, "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	var profile profileResponsePayload
	decodeBody(t, recorder, &profile)
	if profile.Phone != testAlicePhone || profile.IsOnline {
		t.Fatalf("unexpected profile: %+v", profile)
	}
	if profile.LastSeen == nil {
		t.Fatal("expected lastSeen for offline user")
	}
}

func TestHealthEndpointIsPublic(t *testing.T) {
	env := newRouterTestEnv(t, nil)

	recorder := env.do(t, http.MethodGet, "/health", "", nil, "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
}
