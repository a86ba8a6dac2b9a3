package models

import (
	"time"

	"github.com/google/uuid"
)

// Роли пользователей. Политики авторизации живут на стороне gateway,
// здесь роль лишь попадает в claims access-токена.
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// User — модель пользователя (identity) в системе.
//
// Описание:
//   - PasswordHash — bcrypt-хэш пароля, наружу никогда не отдаётся;
//   - Active — признак активной учётной записи; деактивированный пользователь
//     не может логиниться и обновлять токены;
//   - ResetTokenHash/ResetTokenExpiresAt — sha256-хэш действующего
//     reset-токена и срок его жизни (nil, если сброс не запрашивался).
type User struct {
	ID           uuid.UUID
	Email        string
	PasswordHash string
	Role         string
	Active       bool
	// ResetTokenHash — хэш единственного действующего reset-токена (nullable).
	ResetTokenHash *string
	// ResetTokenExpiresAt — срок жизни reset-токена (nullable).
	ResetTokenExpiresAt *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Profile — публичное представление пользователя без чувствительных полей.
type Profile struct {
	ID        uuid.UUID
	Email     string
	Role      string
	Active    bool
	CreatedAt time.Time
}

// Profile возвращает представление пользователя без password/reset-полей.
func (u *User) Profile() Profile {
	return Profile{
		ID:        u.ID,
		Email:     u.Email,
		Role:      u.Role,
		Active:    u.Active,
		CreatedAt: u.CreatedAt,
	}
}
