// transport/rest содержит HTTP-эндпоинты auth-сервиса.
// Здесь выполняется только маппинг данных и ошибок доменного слоя (service) в HTTP.
// Вся валидация и бизнес-логика находятся в пакете service.
//
// Принципы:
//   - Контекст запроса прокидывается в сервис без потерь;
//   - Ошибки сервиса явно транслируются в HTTP-статусы:
//   - ErrInvalidEmail/ErrWeakPassword/ErrEmptyPassword -> 400;
//   - ErrEmailTaken -> 409;
//   - ErrInvalidCredentials/ErrInvalidToken/ErrTokenExpired/
//     ErrReuseDetected/ErrUserInactive -> плоский 401 с единым сообщением,
//     причина отказа клиенту не раскрывается;
//   - иные ошибки -> 500 c единым безопасным сообщением;
//   - /forgot-password всегда отвечает 202 — существование email наружу
//     не утекает.
//
// Безопасность:
//   - Для 401/500 наружу не утекают детали внутренних ошибок; подробности
//     должны попадать в логи через middleware на уровне сервера.
package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/Whiskyrie/solidarios-auth/internal/models"
	"github.com/Whiskyrie/solidarios-auth/internal/service"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
)

type ctxKey string

const (
	// ctxUserID — идентификатор аутентифицированного пользователя в контексте.
	ctxUserID ctxKey = "user_id"
)

// Server — HTTP-слой поверх сервиса.
type Server struct {
	service *service.Service
}

// NewServer создаёт HTTP-сервер авторизации поверх сервисного слоя.
func NewServer(service *service.Service) *Server {
	return &Server{service: service}
}

// Routes регистрирует эндпоинты на переданном роутере.
func (s *Server) Routes(r *mux.Router) {
	r.HandleFunc("/auth/register", s.Register).Methods(http.MethodPost)
	r.HandleFunc("/auth/login", s.Login).Methods(http.MethodPost)
	r.HandleFunc("/auth/refresh", s.Refresh).Methods(http.MethodPost)
	r.HandleFunc("/auth/forgot-password", s.ForgotPassword).Methods(http.MethodPost)
	r.HandleFunc("/auth/reset-password", s.ResetPassword).Methods(http.MethodPost)
	r.Handle("/auth/logout", s.RequireAuth(http.HandlerFunc(s.Logout))).Methods(http.MethodPost)
	r.Handle("/auth/validate", s.RequireAuth(http.HandlerFunc(s.Validate))).Methods(http.MethodGet)
}

// CORS возвращает обёртку для настроенного списка разрешённых Origin.
// Пустой список запрещает кросс-доменные запросы: rs/cors при пустом
// AllowedOrigins разрешает всё, поэтому в этом случае обёртка не ставится
// вовсе и браузер не получает разрешающих заголовков.
func CORS(origins []string) func(http.Handler) http.Handler {
	if len(origins) == 0 {
		return func(next http.Handler) http.Handler { return next }
	}

	c := cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Request-Id"},
		AllowCredentials: true,
	})

	return c.Handler
}

// --- DTO ---

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type logoutRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type forgotPasswordRequest struct {
	Email string `json:"email"`
}

type resetPasswordRequest struct {
	Token       string `json:"token"`
	NewPassword string `json:"new_password"`
}

type userResponse struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// tokenBundle — форма ответа login/register/refresh.
type tokenBundle struct {
	User         userResponse `json:"user"`
	AccessToken  string       `json:"access_token"`
	RefreshToken string       `json:"refresh_token"`
	ExpiresIn    int64        `json:"expires_in"`
	TokenType    string       `json:"token_type"`
	TokenFamily  string       `json:"token_family"`
}

func newTokenBundle(pair *models.TokenPair, user *models.User, now time.Time) tokenBundle {
	p := user.Profile()

	return tokenBundle{
		User: userResponse{
			ID:        p.ID.String(),
			Email:     p.Email,
			Role:      p.Role,
			Active:    p.Active,
			CreatedAt: p.CreatedAt,
		},
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		ExpiresIn:    int64(pair.AccessExpiresAt.Sub(now).Seconds()),
		TokenType:    "Bearer",
		TokenFamily:  pair.Family.String(),
	}
}

// --- Handlers ---

// Register регистрирует пользователя и возвращает пару токенов.
func (s *Server) Register(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	pair, user, err := s.service.RegisterUser(r.Context(), req.Email, req.Password, clientContext(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, newTokenBundle(pair, user, time.Now().UTC()))
}

// Login аутентифицирует пользователя и возвращает новую пару токенов.
// Любой отказ — плоский 401.
func (s *Server) Login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	pair, user, err := s.service.LoginUser(r.Context(), req.Email, req.Password, clientContext(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, newTokenBundle(pair, user, time.Now().UTC()))
}

// Refresh выпускает новую пару токенов по валидному refresh-токену.
// Любой отказ (включая детекцию реплея) — одинаковый 401.
func (s *Server) Refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	pair, user, err := s.service.RefreshToken(r.Context(), req.RefreshToken, clientContext(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, newTokenBundle(pair, user, time.Now().UTC()))
}

// Logout завершает сессии аутентифицированного пользователя: с refresh-токеном
// в теле — одну, без тела — все. Отвечает 204.
func (s *Server) Logout(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFrom(r.Context())
	if !ok {
		writeUnauthorized(w)
		return
	}

	var req logoutRequest
	// Тело необязательно: пустое или отсутствующее означает logout-all.
	_ = json.NewDecoder(r.Body).Decode(&req)

	if req.RefreshToken != "" {
		if err := s.service.RevokeToken(r.Context(), req.RefreshToken); err != nil {
			writeServiceError(w, err)
			return
		}
	} else {
		if _, err := s.service.LogoutAll(r.Context(), userID); err != nil {
			writeServiceError(w, err)
			return
		}
	}

	w.WriteHeader(http.StatusNoContent)
}

// ForgotPassword запускает сброс пароля. Всегда отвечает 202: существование
// email клиенту не раскрывается. Доставка сырого токена пользователю —
// забота внешнего сервиса уведомлений.
func (s *Server) ForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req forgotPasswordRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if _, err := s.service.RequestPasswordReset(r.Context(), req.Email); err != nil {
		// Внутренний сбой не должен стать сигналом перечисления: статус тот же,
		// детали — в логах.
		w.WriteHeader(http.StatusAccepted)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

// ResetPassword завершает сброс пароля. Любой отказ — плоский 401: отдельный
// 400 на слабый пароль подтвердил бы клиенту, что сам токен валиден.
func (s *Server) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var req resetPasswordRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if err := s.service.ResetPassword(r.Context(), req.Token, req.NewPassword); err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidToken),
			errors.Is(err, service.ErrTokenExpired),
			errors.Is(err, service.ErrUserInactive),
			errors.Is(err, service.ErrWeakPassword),
			errors.Is(err, service.ErrEmptyPassword):
			writeUnauthorized(w)
		default:
			writeError(w, http.StatusInternalServerError, "internal server error")
		}
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Validate проверяет access-токен из Authorization. Невалидный токен отсекает
// RequireAuth, поэтому здесь остаётся только успешный ответ.
func (s *Server) Validate(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFrom(r.Context())
	if !ok {
		writeUnauthorized(w)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"valid":   true,
		"user_id": userID.String(),
	})
}

// RequireAuth — middleware аутентификации по Bearer access-токену.
func (s *Server) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := r.Header.Get("Authorization")
		if h == "" || !strings.HasPrefix(h, "Bearer ") {
			writeUnauthorized(w)
			return
		}

		raw := strings.TrimPrefix(h, "Bearer ")
		uid, _, _, err := s.service.ValidateToken(r.Context(), raw)
		if err != nil {
			writeUnauthorized(w)
			return
		}

		ctx := context.WithValue(r.Context(), ctxUserID, uid)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func userIDFrom(ctx context.Context) (uuid.UUID, bool) {
	uid, ok := ctx.Value(ctxUserID).(uuid.UUID)
	return uid, ok
}

// clientContext — best-effort контекст клиента для записи refresh-токена.
func clientContext(r *http.Request) models.ClientContext {
	ip := r.Header.Get("X-Forwarded-For")
	if idx := strings.IndexByte(ip, ','); idx >= 0 {
		ip = ip[:idx]
	}
	ip = strings.TrimSpace(ip)

	if ip == "" {
		if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
			ip = host
		} else {
			ip = r.RemoteAddr
		}
	}

	return models.ClientContext{
		IP:        ip,
		UserAgent: r.UserAgent(),
	}
}

// --- Маппинг ошибок и утилиты ответа ---

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}

	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeUnauthorized(w http.ResponseWriter) {
	writeError(w, http.StatusUnauthorized, "unauthorized")
}

// writeServiceError транслирует ошибку сервиса в HTTP-статус.
// Все auth-отказы выглядят одинаково (401 "unauthorized"), чтобы не
// раскрывать, какая именно проверка не прошла. Тексты 400-ответов
// фиксированные: цепочка op из обёрнутых ошибок наружу не утекает.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidEmail):
		writeError(w, http.StatusBadRequest, "invalid email")
	case errors.Is(err, service.ErrWeakPassword),
		errors.Is(err, service.ErrEmptyPassword):
		writeError(w, http.StatusBadRequest, "password does not meet requirements")
	case errors.Is(err, service.ErrEmailTaken):
		writeError(w, http.StatusConflict, "email already taken")
	case errors.Is(err, service.ErrInvalidCredentials),
		errors.Is(err, service.ErrInvalidToken),
		errors.Is(err, service.ErrTokenExpired),
		errors.Is(err, service.ErrReuseDetected),
		errors.Is(err, service.ErrUserInactive):
		writeUnauthorized(w)
	default:
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}
