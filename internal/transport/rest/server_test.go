package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Whiskyrie/solidarios-auth/internal/config"
	"github.com/Whiskyrie/solidarios-auth/internal/models"
	"github.com/Whiskyrie/solidarios-auth/internal/service"
	"github.com/Whiskyrie/solidarios-auth/internal/storage"
	"github.com/Whiskyrie/solidarios-auth/mocks"

	"github.com/golang/mock/gomock"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func testAuthCfg() config.AuthConfig {
	return config.AuthConfig{
		Secrets: config.Secrets{
			Access:  "Jc6vR0yQfZ8sWm3xKp1tUa9nEh5dLoB2",
			Refresh: "Xu4gT7iYbD1wPq9zMf2kVr6cSj0eHn8A",
			Reset:   "Gm5oLs8aCv1xZe7rNy3qBt0uKw6dFi9J",
		},
		AccessTokenTTL:    30 * time.Second,
		RefreshTokenTTL:   24 * time.Hour,
		ResetTokenTTL:     time.Hour,
		Issuer:            "auth-service",
		Audience:          []string{"api-gateway"},
		MaxActiveSessions: 5,
		RotationEnabled:   true,
		ReuseDetection:    true,
		ReuseWindow:       5 * time.Second,
	}
}

func newTestRouter(t *testing.T) (*mux.Router, *mocks.MockStorage) {
	t.Helper()

	ctrl := gomock.NewController(t)
	t.Cleanup(ctrl.Finish)

	st := mocks.NewMockStorage(ctrl)
	svc := service.New(st, testAuthCfg())

	r := mux.NewRouter()
	NewServer(svc).Routes(r)
	return r, st
}

func doJSON(t *testing.T, r http.Handler, method, path string, body any, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func decodeBundle(t *testing.T, rec *httptest.ResponseRecorder) tokenBundle {
	t.Helper()

	var b tokenBundle
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&b))
	return b
}

func mustBcrypt(t *testing.T, pw string) string {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(pw), bcrypt.MinCost)
	require.NoError(t, err)
	return string(h)
}

func storedUser(t *testing.T, email, pw string) *models.User {
	t.Helper()
	now := time.Now().UTC()
	return &models.User{
		ID:           uuid.New(),
		Email:        email,
		PasswordHash: mustBcrypt(t, pw),
		Role:         models.RoleUser,
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func TestRegister_OK(t *testing.T) {
	t.Parallel()

	r, st := newTestRouter(t)

	st.EXPECT().UserByEmail(gomock.Any(), "user@example.com").Return(nil, storage.ErrNotFound)
	st.EXPECT().SaveUser(gomock.Any(), gomock.Any()).Return(nil)
	st.EXPECT().SaveRefreshToken(gomock.Any(), gomock.Any()).Return(nil)

	rec := doJSON(t, r, http.MethodPost, "/auth/register",
		map[string]string{"email": "User@Example.com", "password": "Abcdef1!"}, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	b := decodeBundle(t, rec)
	require.Equal(t, "user@example.com", b.User.Email)
	require.Equal(t, "Bearer", b.TokenType)
	require.NotEmpty(t, b.AccessToken)
	require.NotEmpty(t, b.RefreshToken)
	require.Greater(t, b.ExpiresIn, int64(0))

	_, err := uuid.Parse(b.TokenFamily)
	require.NoError(t, err)
}

func TestRegister_BadRequest(t *testing.T) {
	t.Parallel()

	r, _ := newTestRouter(t)

	cases := []struct {
		name string
		body map[string]string
	}{
		{"invalid email", map[string]string{"email": "nope", "password": "Abcdef1!"}},
		{"weak password", map[string]string{"email": "user@example.com", "password": "weak"}},
		{"empty password", map[string]string{"email": "user@example.com", "password": ""}},
	}

	for _, tc := range cases {
		rec := doJSON(t, r, http.MethodPost, "/auth/register", tc.body, nil)
		require.Equal(t, http.StatusBadRequest, rec.Code, tc.name)
	}
}

func TestRegister_BadRequest_FixedMessages(t *testing.T) {
	t.Parallel()

	r, _ := newTestRouter(t)

	// Текст 400-ответа фиксированный: внутренняя цепочка op не утекает.
	bad := doJSON(t, r, http.MethodPost, "/auth/register",
		map[string]string{"email": "nope", "password": "Abcdef1!"}, nil)
	require.Equal(t, http.StatusBadRequest, bad.Code)
	require.JSONEq(t, `{"error":"invalid email"}`, bad.Body.String())

	weak := doJSON(t, r, http.MethodPost, "/auth/register",
		map[string]string{"email": "user@example.com", "password": "weak"}, nil)
	require.Equal(t, http.StatusBadRequest, weak.Code)
	require.JSONEq(t, `{"error":"password does not meet requirements"}`, weak.Body.String())
	require.NotContains(t, weak.Body.String(), "service.")
}

func TestRegister_MalformedJSON(t *testing.T) {
	t.Parallel()

	r, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/auth/register", strings.NewReader("{broken"))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRegister_EmailTaken_Conflict(t *testing.T) {
	t.Parallel()

	r, st := newTestRouter(t)

	st.EXPECT().UserByEmail(gomock.Any(), "user@example.com").
		Return(storedUser(t, "user@example.com", "Abcdef1!"), nil)

	rec := doJSON(t, r, http.MethodPost, "/auth/register",
		map[string]string{"email": "user@example.com", "password": "Abcdef1!"}, nil)

	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestLogin_OK(t *testing.T) {
	t.Parallel()

	r, st := newTestRouter(t)
	user := storedUser(t, "user@example.com", "Abcdef1!")

	st.EXPECT().UserByEmail(gomock.Any(), "user@example.com").Return(user, nil)
	st.EXPECT().CountActiveTokens(gomock.Any(), user.ID, gomock.Any()).Return(int64(0), nil)
	st.EXPECT().SaveRefreshToken(gomock.Any(), gomock.Any()).Return(nil)

	rec := doJSON(t, r, http.MethodPost, "/auth/login",
		map[string]string{"email": "user@example.com", "password": "Abcdef1!"}, nil)

	require.Equal(t, http.StatusOK, rec.Code)

	b := decodeBundle(t, rec)
	require.Equal(t, user.ID.String(), b.User.ID)
	require.NotEmpty(t, b.RefreshToken)
}

func TestLogin_FlatUnauthorized(t *testing.T) {
	t.Parallel()

	r, st := newTestRouter(t)
	user := storedUser(t, "user@example.com", "Abcdef1!")

	// Неверный пароль и неизвестный email дают одинаковый ответ.
	st.EXPECT().UserByEmail(gomock.Any(), "user@example.com").Return(user, nil)
	st.EXPECT().UserByEmail(gomock.Any(), "absent@example.com").Return(nil, storage.ErrNotFound)

	wrongPW := doJSON(t, r, http.MethodPost, "/auth/login",
		map[string]string{"email": "user@example.com", "password": "Wrong1!pw"}, nil)
	unknown := doJSON(t, r, http.MethodPost, "/auth/login",
		map[string]string{"email": "absent@example.com", "password": "Abcdef1!"}, nil)

	require.Equal(t, http.StatusUnauthorized, wrongPW.Code)
	require.Equal(t, http.StatusUnauthorized, unknown.Code)
	require.JSONEq(t, wrongPW.Body.String(), unknown.Body.String())
}

func TestRefresh_OK(t *testing.T) {
	t.Parallel()

	r, st := newTestRouter(t)
	user := storedUser(t, "user@example.com", "Abcdef1!")

	// Сначала логин — получаем настоящий refresh-токен.
	var issued *models.RefreshToken
	st.EXPECT().UserByEmail(gomock.Any(), "user@example.com").Return(user, nil)
	st.EXPECT().CountActiveTokens(gomock.Any(), user.ID, gomock.Any()).Return(int64(0), nil)
	st.EXPECT().SaveRefreshToken(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, rt *models.RefreshToken) error {
			issued = rt
			return nil
		})

	login := doJSON(t, r, http.MethodPost, "/auth/login",
		map[string]string{"email": "user@example.com", "password": "Abcdef1!"}, nil)
	require.Equal(t, http.StatusOK, login.Code)
	bundle := decodeBundle(t, login)

	// Теперь refresh по выданному токену (вторая выборка — контрольная
	// перечитка после сохранения).
	st.EXPECT().RefreshTokenByHash(gomock.Any(), issued.TokenHash).Return(issued, nil).Times(2)
	st.EXPECT().TryUseRefreshToken(gomock.Any(), issued.ID, gomock.Any(), gomock.Any()).
		Return(storage.UseOK, nil)
	st.EXPECT().UserByID(gomock.Any(), user.ID).Return(user, nil)
	st.EXPECT().RevokeRefreshToken(gomock.Any(), issued.ID, models.ReasonRotation).Return(true, nil)
	st.EXPECT().SaveRefreshToken(gomock.Any(), gomock.Any()).Return(nil)

	refresh := doJSON(t, r, http.MethodPost, "/auth/refresh",
		map[string]string{"refresh_token": bundle.RefreshToken}, nil)
	require.Equal(t, http.StatusOK, refresh.Code)

	rotated := decodeBundle(t, refresh)
	require.Equal(t, bundle.TokenFamily, rotated.TokenFamily)
	require.NotEqual(t, bundle.RefreshToken, rotated.RefreshToken)
}

func TestRefresh_InvalidToken_FlatUnauthorized(t *testing.T) {
	t.Parallel()

	r, _ := newTestRouter(t)

	rec := doJSON(t, r, http.MethodPost, "/auth/refresh",
		map[string]string{"refresh_token": "garbage"}, nil)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.JSONEq(t, `{"error":"unauthorized"}`, rec.Body.String())
}

// accessTokenFor — получает настоящий access-токен через login.
func accessTokenFor(t *testing.T, r http.Handler, st *mocks.MockStorage, user *models.User, pw string) string {
	t.Helper()

	st.EXPECT().UserByEmail(gomock.Any(), user.Email).Return(user, nil)
	st.EXPECT().CountActiveTokens(gomock.Any(), user.ID, gomock.Any()).Return(int64(0), nil)
	st.EXPECT().SaveRefreshToken(gomock.Any(), gomock.Any()).Return(nil)

	rec := doJSON(t, r, http.MethodPost, "/auth/login",
		map[string]string{"email": user.Email, "password": pw}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	return decodeBundle(t, rec).AccessToken
}

func TestLogout_All_NoBody(t *testing.T) {
	t.Parallel()

	r, st := newTestRouter(t)
	user := storedUser(t, "user@example.com", "Abcdef1!")
	access := accessTokenFor(t, r, st, user, "Abcdef1!")

	st.EXPECT().RevokeAllUserTokens(gomock.Any(), user.ID, models.ReasonLogout).Return(int64(2), nil)

	rec := doJSON(t, r, http.MethodPost, "/auth/logout", nil,
		map[string]string{"Authorization": "Bearer " + access})

	require.Equal(t, http.StatusNoContent, rec.Code)
}

func TestLogout_SingleSession_WithRefreshToken(t *testing.T) {
	t.Parallel()

	r, st := newTestRouter(t)
	user := storedUser(t, "user@example.com", "Abcdef1!")
	access := accessTokenFor(t, r, st, user, "Abcdef1!")

	record := &models.RefreshToken{ID: uuid.New(), UserID: user.ID}
	st.EXPECT().RefreshTokenByHash(gomock.Any(), gomock.Any()).Return(record, nil)
	st.EXPECT().RevokeRefreshToken(gomock.Any(), record.ID, models.ReasonLogout).Return(true, nil)

	rec := doJSON(t, r, http.MethodPost, "/auth/logout",
		map[string]string{"refresh_token": "some-refresh-token"},
		map[string]string{"Authorization": "Bearer " + access})

	require.Equal(t, http.StatusNoContent, rec.Code)
}

func TestLogout_RequiresAuth(t *testing.T) {
	t.Parallel()

	r, _ := newTestRouter(t)

	noHeader := doJSON(t, r, http.MethodPost, "/auth/logout", nil, nil)
	badToken := doJSON(t, r, http.MethodPost, "/auth/logout", nil,
		map[string]string{"Authorization": "Bearer garbage"})

	require.Equal(t, http.StatusUnauthorized, noHeader.Code)
	require.Equal(t, http.StatusUnauthorized, badToken.Code)
}

func TestForgotPassword_Always202(t *testing.T) {
	t.Parallel()

	r, st := newTestRouter(t)
	user := storedUser(t, "known@example.com", "Abcdef1!")

	st.EXPECT().UserByEmail(gomock.Any(), "known@example.com").Return(user, nil)
	st.EXPECT().SetResetToken(gomock.Any(), user.ID, gomock.Any(), gomock.Any()).Return(nil)
	st.EXPECT().UserByEmail(gomock.Any(), "absent@example.com").Return(nil, storage.ErrNotFound)

	known := doJSON(t, r, http.MethodPost, "/auth/forgot-password",
		map[string]string{"email": "known@example.com"}, nil)
	absent := doJSON(t, r, http.MethodPost, "/auth/forgot-password",
		map[string]string{"email": "absent@example.com"}, nil)

	// Существование email не раскрывается: статус и тело идентичны.
	require.Equal(t, http.StatusAccepted, known.Code)
	require.Equal(t, http.StatusAccepted, absent.Code)
	require.Equal(t, known.Body.String(), absent.Body.String())
}

func TestResetPassword_InvalidToken_FlatUnauthorized(t *testing.T) {
	t.Parallel()

	r, _ := newTestRouter(t)

	rec := doJSON(t, r, http.MethodPost, "/auth/reset-password",
		map[string]string{"token": "garbage", "new_password": "NewPass1!"}, nil)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestResetPassword_WeakPassword_FlatUnauthorized(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	t.Cleanup(ctrl.Finish)

	st := mocks.NewMockStorage(ctrl)
	svc := service.New(st, testAuthCfg())

	r := mux.NewRouter()
	NewServer(svc).Routes(r)

	user := storedUser(t, "user@example.com", "Abcdef1!")

	st.EXPECT().UserByEmail(gomock.Any(), user.Email).Return(user, nil)
	st.EXPECT().SetResetToken(gomock.Any(), user.ID, gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, _ uuid.UUID, hash string, expiresAt time.Time) error {
			user.ResetTokenHash = &hash
			user.ResetTokenExpiresAt = &expiresAt
			return nil
		})

	raw, err := svc.RequestPasswordReset(context.Background(), user.Email)
	require.NoError(t, err)

	st.EXPECT().UserByResetTokenHash(gomock.Any(), gomock.Any()).Return(user, nil)

	// Слабый новый пароль при валидном токене не должен отличаться
	// от невалидного токена: отдельный 400 подтвердил бы его валидность.
	weak := doJSON(t, r, http.MethodPost, "/auth/reset-password",
		map[string]string{"token": raw, "new_password": "weak"}, nil)
	garbage := doJSON(t, r, http.MethodPost, "/auth/reset-password",
		map[string]string{"token": "garbage", "new_password": "weak"}, nil)

	require.Equal(t, http.StatusUnauthorized, weak.Code)
	require.Equal(t, http.StatusUnauthorized, garbage.Code)
	require.JSONEq(t, weak.Body.String(), garbage.Body.String())
}

func TestValidate_OK(t *testing.T) {
	t.Parallel()

	r, st := newTestRouter(t)
	user := storedUser(t, "user@example.com", "Abcdef1!")
	access := accessTokenFor(t, r, st, user, "Abcdef1!")

	req := httptest.NewRequest(http.MethodGet, "/auth/validate", nil)
	req.Header.Set("Authorization", "Bearer "+access)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Equal(t, true, resp["valid"])
	require.Equal(t, user.ID.String(), resp["user_id"])
}

func TestValidate_RequiresAuth(t *testing.T) {
	t.Parallel()

	r, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/auth/validate", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func preflight(t *testing.T, h http.Handler, origin string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(http.MethodOptions, "/auth/login", nil)
	req.Header.Set("Origin", origin)
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestCORS_EmptyOrigins_DeniesCrossOrigin(t *testing.T) {
	t.Parallel()

	// Пустой список origin — запрет: никакие разрешающие заголовки
	// не отдаются даже на preflight.
	h := CORS(nil)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := preflight(t, h, "https://evil.example")

	require.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
	require.Empty(t, rec.Header().Get("Access-Control-Allow-Credentials"))
}

func TestCORS_ConfiguredOrigins(t *testing.T) {
	t.Parallel()

	h := CORS([]string{"https://app.example"})(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	allowed := preflight(t, h, "https://app.example")
	require.Equal(t, "https://app.example", allowed.Header().Get("Access-Control-Allow-Origin"))
	require.Equal(t, "true", allowed.Header().Get("Access-Control-Allow-Credentials"))

	// Чужой origin не из списка ничего не получает.
	foreign := preflight(t, h, "https://evil.example")
	require.Empty(t, foreign.Header().Get("Access-Control-Allow-Origin"))
}
