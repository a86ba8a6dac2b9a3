package storage

import (
	"context"
	"errors"
	"time"

	"github.com/Whiskyrie/solidarios-auth/internal/models"

	"github.com/google/uuid"
)

var (
	// ErrNotFound — запись не найдена (пользователь/токен).
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists — нарушение уникальности (email/token_hash).
	ErrAlreadyExists = errors.New("already exists")
)

// UseResult — исход атомарной попытки использовать refresh-токен.
type UseResult int

const (
	// UseOK — запись была активна, last_used_at проставлен.
	UseOK UseResult = iota
	// UseReplayed — запись активна, но уже использована внутри окна реплея:
	// конкурентное или повторное предъявление одного токена.
	UseReplayed
	// UseTerminal — запись уже отозвана или помечена reuse_detected.
	UseTerminal
)

// UserStorage выполняет операции над пользователями (identity-директория).
type UserStorage interface {
	// SaveUser создает нового пользователя в БД.
	SaveUser(ctx context.Context, user *models.User) error
	// UserByEmail находит пользователя по email.
	UserByEmail(ctx context.Context, email string) (*models.User, error)
	// UserByID находит пользователя по ID.
	UserByID(ctx context.Context, id uuid.UUID) (*models.User, error)
	// SetResetToken записывает хэш действующего reset-токена и срок его жизни,
	// затирая предыдущий.
	SetResetToken(ctx context.Context, id uuid.UUID, hash string, expiresAt time.Time) error
	// UserByResetTokenHash находит пользователя по хэшу reset-токена.
	UserByResetTokenHash(ctx context.Context, hash string) (*models.User, error)
	// UpdatePassword ставит новый хэш пароля и очищает reset-поля.
	UpdatePassword(ctx context.Context, id uuid.UUID, passwordHash string) error
}

// RefreshTokenStorage выполняет операции над refresh-токенами.
// Все операции безопасны при конкурентных вызовах над одной записью,
// одним пользователем или одним семейством: атомарность обеспечивается
// условными UPDATE на стороне БД, без внутрипроцессных блокировок.
type RefreshTokenStorage interface {
	// SaveRefreshToken сохраняет новый refresh-token в БД.
	SaveRefreshToken(ctx context.Context, token *models.RefreshToken) error
	// RefreshTokenByHash находит refresh-токен по его хэшу.
	RefreshTokenByHash(ctx context.Context, hash string) (*models.RefreshToken, error)
	// TryUseRefreshToken атомарно помечает запись использованной.
	// Условный UPDATE срабатывает только если запись не отозвана, не помечена
	// reuse_detected и не использовалась позже cutoff; из двух конкурентных
	// вызовов на одной записи выигрывает ровно один, второй получает
	// UseReplayed/UseTerminal.
	TryUseRefreshToken(ctx context.Context, id uuid.UUID, now time.Time, cutoff time.Time) (UseResult, error)
	// RevokeRefreshToken отзывает запись с указанием причины. Идемпотентна:
	// повторный отзыв — не ошибка, возвращает (false, nil).
	RevokeRefreshToken(ctx context.Context, id uuid.UUID, reason string) (bool, error)
	// RevokeFamily отзывает все активные записи семейства; возвращает
	// количество отозванных.
	RevokeFamily(ctx context.Context, family uuid.UUID, reason string) (int64, error)
	// RevokeAllUserTokens отзывает все активные записи пользователя.
	RevokeAllUserTokens(ctx context.Context, userID uuid.UUID, reason string) (int64, error)
	// MarkReuseDetected выставляет липкий флаг reuse_detected и причину
	// отзыва reuse_detected.
	MarkReuseDetected(ctx context.Context, id uuid.UUID) error
	// CountActiveTokens — число активных (не отозванных, не reuse_detected,
	// не просроченных) записей пользователя.
	CountActiveTokens(ctx context.Context, userID uuid.UUID, now time.Time) (int64, error)
	// OldestActiveToken — активная запись пользователя с наименьшим created_at.
	OldestActiveToken(ctx context.Context, userID uuid.UUID, now time.Time) (*models.RefreshToken, error)
	// DeleteExpiredTokens удаляет просроченные и отозванные записи;
	// возвращает количество удалённых.
	DeleteExpiredTokens(ctx context.Context, now time.Time) (int64, error)
}

// Storage задает контракт работы с БД.
type Storage interface {
	UserStorage
	RefreshTokenStorage
	Close()
}
