package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"
	"unicode"

	"github.com/Whiskyrie/solidarios-auth/internal/cache"
	"github.com/Whiskyrie/solidarios-auth/internal/models"
	"github.com/Whiskyrie/solidarios-auth/internal/pkg/log"
	"github.com/Whiskyrie/solidarios-auth/internal/pkg/redact"
	"github.com/Whiskyrie/solidarios-auth/internal/storage"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// RegisterUser регистрирует нового пользователя и открывает первую сессию
// (новое семейство refresh-токенов).
func (s *Service) RegisterUser(ctx context.Context, email, password string, client models.ClientContext) (*models.TokenPair, *models.User, error) {
	const op = "service.auth.RegisterUser"

	normEmail, err := validateEmail(email)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", op, ErrInvalidEmail)
	}

	if err := validatePassword(password); err != nil {
		return nil, nil, fmt.Errorf("%s: %w", op, err)
	}

	_, err = s.storage.UserByEmail(ctx, normEmail)
	if err == nil {
		return nil, nil, fmt.Errorf("%s: %w", op, ErrEmailTaken)
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, nil, fmt.Errorf("%s: %w", op, err)
	}

	hashedPassword, err := hashPassword(password)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", op, err)
	}

	now := s.now()
	user := &models.User{
		ID:           uuid.New(),
		Email:        normEmail,
		PasswordHash: hashedPassword,
		Role:         models.RoleUser,
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := s.storage.SaveUser(ctx, user); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			return nil, nil, fmt.Errorf("%s: %w", op, ErrEmailTaken)
		}

		return nil, nil, fmt.Errorf("%s: %w", op, err)
	}

	pair, err := s.issueTokenPair(ctx, user, uuid.Nil, 0, client)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", op, err)
	}

	return pair, user, nil
}

// LoginUser выполняет вход по email+пароль.
// Любое несовпадение (неизвестный email, неверный пароль) возвращает один и
// тот же ErrInvalidCredentials. Перед выпуском новой сессии применяется лимит
// одновременных сессий пользователя.
func (s *Service) LoginUser(ctx context.Context, email, password string, client models.ClientContext) (*models.TokenPair, *models.User, error) {
	const op = "service.auth.LoginUser"

	normEmail, err := validateEmail(email)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", op, ErrInvalidCredentials)
	}

	if len(password) == 0 {
		return nil, nil, fmt.Errorf("%s: %w", op, ErrInvalidCredentials)
	}

	user, err := s.storage.UserByEmail(ctx, normEmail)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil, fmt.Errorf("%s: %w", op, ErrInvalidCredentials)
		}

		return nil, nil, fmt.Errorf("%s: %w", op, err)
	}

	if !checkPassword(user.PasswordHash, password) {
		return nil, nil, fmt.Errorf("%s: %w", op, ErrInvalidCredentials)
	}

	if !user.Active {
		return nil, nil, fmt.Errorf("%s: %w", op, ErrUserInactive)
	}

	if err := s.enforceSessionLimit(ctx, user.ID); err != nil {
		return nil, nil, fmt.Errorf("%s: %w", op, err)
	}

	pair, err := s.issueTokenPair(ctx, user, uuid.Nil, 0, client)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", op, err)
	}

	log.From(ctx).Info("login_ok",
		slog.String("user_id", user.ID.String()),
		slog.String("email", redact.Email(user.Email)),
		slog.String("family", pair.Family.String()),
	)

	return pair, user, nil
}

// enforceSessionLimit — мягкий лимит одновременных сессий: при достижении
// потолка вытесняется одна самая старая активная сессия. Серия быстрых
// логинов сходится к лимиту, а не отклоняется.
func (s *Service) enforceSessionLimit(ctx context.Context, userID uuid.UUID) error {
	const op = "service.auth.enforceSessionLimit"

	if s.cfg.MaxActiveSessions <= 0 {
		return nil
	}

	now := s.now()

	count, err := s.storage.CountActiveTokens(ctx, userID, now)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	if count < int64(s.cfg.MaxActiveSessions) {
		return nil
	}

	oldest, err := s.storage.OldestActiveToken(ctx, userID, now)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// Параллельный отзыв успел раньше — лимит уже соблюден.
			return nil
		}

		return fmt.Errorf("%s: %w", op, err)
	}

	if _, err := s.storage.RevokeRefreshToken(ctx, oldest.ID, models.ReasonSessionLimit); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	s.cacheMarkRevoked(ctx, oldest.TokenHash)

	log.From(ctx).Info("session_limit_evicted",
		slog.String("op", op),
		slog.String("user_id", userID.String()),
		slog.String("evicted_family", oldest.Family.String()),
	)

	return nil
}

// RevokeToken отзывает предъявленный refresh-токен (logout одной сессии).
func (s *Service) RevokeToken(ctx context.Context, refreshToken string) error {
	const op = "service.auth.RevokeToken"

	hash := hashToken(refreshToken)

	token, err := s.storage.RefreshTokenByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%s: %w", op, ErrInvalidToken)
		}

		return fmt.Errorf("%s: %w", op, err)
	}

	revoked, err := s.storage.RevokeRefreshToken(ctx, token.ID, models.ReasonLogout)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	if !revoked {
		return fmt.Errorf("%s: %w", op, ErrInvalidToken)
	}

	s.cacheMarkRevoked(ctx, hash)

	return nil
}

// LogoutAll отзывает все активные сессии пользователя (logout-all).
func (s *Service) LogoutAll(ctx context.Context, userID uuid.UUID) (int64, error) {
	const op = "service.auth.LogoutAll"

	count, err := s.RevokeAllUserTokens(ctx, userID, models.ReasonLogout)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	return count, nil
}

// RevokeAllUserTokens отзывает все активные refresh-токены пользователя
// с указанной причиной. Используется logout-all, сбросом пароля и операторами.
func (s *Service) RevokeAllUserTokens(ctx context.Context, userID uuid.UUID, reason string) (int64, error) {
	const op = "service.auth.RevokeAllUserTokens"

	count, err := s.storage.RevokeAllUserTokens(ctx, userID, reason)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	if count > 0 {
		log.From(ctx).Info("user_tokens_revoked",
			slog.String("op", op),
			slog.String("user_id", userID.String()),
			slog.String("reason", reason),
			slog.Int64("count", count),
		)
	}

	return count, nil
}

// ValidateToken проверяет access-токен и возвращает данные пользователя.
func (s *Service) ValidateToken(ctx context.Context, accessToken string) (uuid.UUID, string, string, error) {
	const op = "service.auth.ValidateToken"

	uid, email, role, err := s.validateAccessToken(accessToken)
	if err != nil {
		return uuid.Nil, "", "", fmt.Errorf("%s: %w", op, err)
	}

	return uid, email, role, nil
}

// hashPassword хэширует пароль с помощью bcrypt.
func hashPassword(password string) (string, error) {
	const op = "service.auth.hashPassword"

	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}

	return string(bytes), nil
}

// checkPassword сравнивает пароль с хэшем.
func checkPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// validateEmail проверяет базовый формат email и обрезает пробелы снаружи.
func validateEmail(raw string) (string, error) {
	const op = "service.auth.validateEmail"

	email := strings.TrimSpace(raw)
	if email == "" {
		return "", fmt.Errorf("%s: %w", op, ErrInvalidEmail)
	}

	if _, err := mail.ParseAddress(email); err != nil {
		return "", fmt.Errorf("%s: %w", op, ErrInvalidEmail)
	}

	return strings.ToLower(email), nil
}

// validatePassword проверяет минимальные требования к паролю.
// Политика по умолчанию: длина >= 8, хотя бы одна строчная, заглавная, цифра и спецсимвол.
func validatePassword(pw string) error {
	const op = "service.auth.validatePassword"

	if len(pw) == 0 {
		return fmt.Errorf("%s: %w", op, ErrEmptyPassword)
	}

	if len([]rune(pw)) < 8 {
		return fmt.Errorf("%s: %w", op, ErrWeakPassword)
	}

	var hasLower, hasUpper, hasDigit, hasSpecial bool
	for _, r := range pw {
		switch {
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsDigit(r):
			hasDigit = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			hasSpecial = true
		}
	}

	if !(hasLower && hasUpper && hasDigit && hasSpecial) {
		return fmt.Errorf("%s: %w", op, ErrWeakPassword)
	}

	return nil
}

// issueTokenPair выпускает новую пару access+refresh токенов.
// family == uuid.Nil означает новое семейство (логин/регистрация, version 1);
// иначе токен продолжает переданное семейство с переданной версией (ротация).
func (s *Service) issueTokenPair(ctx context.Context, user *models.User, family uuid.UUID, version int, client models.ClientContext) (*models.TokenPair, error) {
	const op = "service.auth.issueTokenPair"

	now := s.now()

	if family == uuid.Nil {
		family = uuid.New()
		version = 1
	}

	accessToken, err := s.generateAccessToken(ctx, user, family, now)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	plain, record, err := s.generateRefreshToken(ctx, user, family, version, now, client)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	s.cacheStore(ctx, record, now)

	return &models.TokenPair{
		AccessToken:     accessToken,
		RefreshToken:    plain,
		Family:          family,
		AccessExpiresAt: now.Add(s.cfg.AccessTokenTTL),
	}, nil
}

// cacheStore кладет запись в кэш (best-effort, ошибки только логируются).
func (s *Service) cacheStore(ctx context.Context, record *models.RefreshToken, now time.Time) {
	if s.rcache == nil {
		return
	}

	entry := &cache.RefreshEntry{
		ID:        record.ID,
		UserID:    record.UserID,
		Family:    record.Family,
		Revoked:   false,
		ExpiresAt: record.ExpiresAt,
	}

	if err := s.rcache.Set(ctx, record.TokenHash, entry, record.ExpiresAt.Sub(now)); err != nil {
		log.From(ctx).Warn("refresh_cache_set_failed", slog.String("err", err.Error()))
	}
}

// cacheMarkRevoked помечает запись отозванной в кэше (best-effort).
func (s *Service) cacheMarkRevoked(ctx context.Context, hash string) {
	if s.rcache == nil {
		return
	}

	if err := s.rcache.MarkRevoked(ctx, hash); err != nil {
		log.From(ctx).Warn("refresh_cache_revoke_failed", slog.String("err", err.Error()))
	}
}
