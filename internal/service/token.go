package service

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Whiskyrie/solidarios-auth/internal/models"
	"github.com/Whiskyrie/solidarios-auth/internal/pkg/log"
	"github.com/Whiskyrie/solidarios-auth/internal/storage"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// tokenLeeway — допуск на расхождение часов при проверке exp/iat.
const tokenLeeway = 60 * time.Second

// resetTokenType — маркер назначения reset-токена в claims.
const resetTokenType = "password_reset"

type accessClaims struct {
	UserID string `json:"uid"`
	Email  string `json:"email"`
	Role   string `json:"role"`
	Family string `json:"fam"`
	jwt.RegisteredClaims
}

type refreshClaims struct {
	Family string `json:"fam"`
	jwt.RegisteredClaims
}

type resetClaims struct {
	TokenType string `json:"typ"`
	jwt.RegisteredClaims
}

// hashToken — хэш токена для хранения/поиска: sha256 → base64url.
// Сырой токен дальше этого хэша в хранилище не проходит.
func hashToken(plain string) string {
	sum := sha256.Sum256([]byte(plain))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// generateAccessToken генерирует access-токен.
func (s *Service) generateAccessToken(ctx context.Context, user *models.User, family uuid.UUID, now time.Time) (string, error) {
	const op = "service.token.generateAccessToken"

	lg := log.From(ctx)

	claims := accessClaims{
		UserID: user.ID.String(),
		Email:  user.Email,
		Role:   user.Role,
		Family: family.String(),
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.AccessTokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    s.cfg.Issuer,
			Subject:   user.ID.String(),
			Audience:  jwt.ClaimStrings(s.cfg.Audience),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(s.cfg.Secrets.Access))
	if err != nil {
		lg.Error("access_token_sign_failed",
			slog.String("op", op),
			slog.String("err", err.Error()),
		)
		return "", fmt.Errorf("%s: %w", op, err)
	}

	return signed, nil
}

// validateAccessToken валидирует access-токен и возвращает uid/email/role.
func (s *Service) validateAccessToken(tokenStr string) (uuid.UUID, string, string, error) {
	const op = "service.token.validateAccessToken"

	token, err := jwt.ParseWithClaims(tokenStr, &accessClaims{},
		func(t *jwt.Token) (interface{}, error) {
			if t.Method != jwt.SigningMethodHS256 {
				return nil, fmt.Errorf("%s: %w", op, ErrInvalidToken)
			}

			return []byte(s.cfg.Secrets.Access), nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(tokenLeeway),
		jwt.WithIssuer(s.cfg.Issuer),
		jwt.WithAudience(s.cfg.Audience...),
		jwt.WithIssuedAt(),
	)

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return uuid.Nil, "", "", fmt.Errorf("%s: %w", op, ErrTokenExpired)
		}

		return uuid.Nil, "", "", fmt.Errorf("%s: %w", op, ErrInvalidToken)
	}

	claims, ok := token.Claims.(*accessClaims)
	if !ok || !token.Valid {
		return uuid.Nil, "", "", fmt.Errorf("%s: %w", op, ErrInvalidToken)
	}

	uid, err := uuid.Parse(claims.UserID)
	if err != nil {
		return uuid.Nil, "", "", fmt.Errorf("%s: %w", op, ErrInvalidToken)
	}

	return uid, claims.Email, claims.Role, nil
}

// generateRefreshToken создает новый refresh-токен в указанном семействе
// и сохраняет его запись (по хэшу) в хранилище.
func (s *Service) generateRefreshToken(ctx context.Context, user *models.User, family uuid.UUID, version int, now time.Time, client models.ClientContext) (string, *models.RefreshToken, error) {
	const (
		op          = "service.token.generateRefreshToken"
		maxAttempts = 5
	)

	lg := log.From(ctx)

	for attempt := 0; attempt < maxAttempts; attempt++ {
		id := uuid.New()
		expiresAt := now.Add(s.cfg.RefreshTokenTTL)

		claims := refreshClaims{
			Family: family.String(),
			RegisteredClaims: jwt.RegisteredClaims{
				ID:        id.String(),
				ExpiresAt: jwt.NewNumericDate(expiresAt),
				IssuedAt:  jwt.NewNumericDate(now),
				Issuer:    s.cfg.Issuer,
				Subject:   user.ID.String(),
				Audience:  jwt.ClaimStrings(s.cfg.Audience),
			},
		}

		plain, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(s.cfg.Secrets.Refresh))
		if err != nil {
			lg.Error("refresh_token_sign_failed",
				slog.String("op", op),
				slog.String("err", err.Error()),
			)
			return "", nil, fmt.Errorf("%s: %w", op, err)
		}

		token := &models.RefreshToken{
			ID:        id,
			UserID:    user.ID,
			TokenHash: hashToken(plain),
			Family:    family,
			Version:   version,
			CreatedAt: now,
			ExpiresAt: expiresAt,
			IP:        client.IP,
			UserAgent: client.UserAgent,
		}

		if err := s.storage.SaveRefreshToken(ctx, token); err != nil {
			if errors.Is(err, storage.ErrAlreadyExists) {
				// Редкая коллизия — пробуем сгенерировать заново.
				continue
			}

			lg.Error("save_refresh_token_failed",
				slog.String("op", op),
				slog.String("err", err.Error()),
			)
			return "", nil, fmt.Errorf("%s: %w", op, err)
		}

		return plain, token, nil
	}

	lg.Error("refresh_collision_exceeded",
		slog.String("op", op),
	)

	return "", nil, fmt.Errorf("%s: %w", op, ErrRefreshTokenCollision)
}

// verifyRefreshSignature проверяет подпись/срок refresh-токена, не трогая
// хранилище. Состояние записи проверяется отдельно (см. refresh.go).
func (s *Service) verifyRefreshSignature(plain string) (*refreshClaims, error) {
	const op = "service.token.verifyRefreshSignature"

	token, err := jwt.ParseWithClaims(plain, &refreshClaims{},
		func(t *jwt.Token) (interface{}, error) {
			if t.Method != jwt.SigningMethodHS256 {
				return nil, fmt.Errorf("%s: %w", op, ErrInvalidToken)
			}

			return []byte(s.cfg.Secrets.Refresh), nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(tokenLeeway),
		jwt.WithIssuer(s.cfg.Issuer),
		jwt.WithAudience(s.cfg.Audience...),
		jwt.WithIssuedAt(),
	)

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%s: %w", op, ErrTokenExpired)
		}

		return nil, fmt.Errorf("%s: %w", op, ErrInvalidToken)
	}

	claims, ok := token.Claims.(*refreshClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("%s: %w", op, ErrInvalidToken)
	}

	return claims, nil
}

// generateResetToken выпускает reset-токен с маркером назначения.
func (s *Service) generateResetToken(user *models.User, now time.Time) (string, time.Time, error) {
	const op = "service.token.generateResetToken"

	expiresAt := now.Add(s.cfg.ResetTokenTTL)
	claims := resetClaims{
		TokenType: resetTokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    s.cfg.Issuer,
			Subject:   user.ID.String(),
			Audience:  jwt.ClaimStrings(s.cfg.Audience),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(s.cfg.Secrets.Reset))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("%s: %w", op, err)
	}

	return signed, expiresAt, nil
}

// verifyResetToken проверяет подпись/срок/назначение reset-токена.
func (s *Service) verifyResetToken(plain string) (*resetClaims, error) {
	const op = "service.token.verifyResetToken"

	token, err := jwt.ParseWithClaims(plain, &resetClaims{},
		func(t *jwt.Token) (interface{}, error) {
			if t.Method != jwt.SigningMethodHS256 {
				return nil, fmt.Errorf("%s: %w", op, ErrInvalidToken)
			}

			return []byte(s.cfg.Secrets.Reset), nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(tokenLeeway),
		jwt.WithIssuer(s.cfg.Issuer),
		jwt.WithAudience(s.cfg.Audience...),
		jwt.WithIssuedAt(),
	)

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%s: %w", op, ErrTokenExpired)
		}

		return nil, fmt.Errorf("%s: %w", op, ErrInvalidToken)
	}

	claims, ok := token.Claims.(*resetClaims)
	if !ok || !token.Valid || claims.TokenType != resetTokenType {
		return nil, fmt.Errorf("%s: %w", op, ErrInvalidToken)
	}

	return claims, nil
}
