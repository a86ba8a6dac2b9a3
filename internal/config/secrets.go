package config

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"math"
	"strings"
)

var (
	// ErrInvalidSecret — секрет отсутствует, слишком короткий, похож на
	// placeholder или имеет недостаточную энтропию.
	ErrInvalidSecret = errors.New("invalid signing secret")

	// ErrDuplicateSecret — два разных назначения используют один и тот же секрет.
	ErrDuplicateSecret = errors.New("signing secrets must be distinct")
)

const (
	// minSecretLen — минимальная длина секрета в символах.
	minSecretLen = 32
	// minSecretEntropy — минимальная эмпирическая энтропия Шеннона, бит/символ.
	minSecretEntropy = 4.0
)

// placeholderMarkers — подстроки, характерные для примеров из документации
// и шаблонов деплоя. Секрет с такой подстрокой не принимается независимо
// от длины.
var placeholderMarkers = []string{
	"secret",
	"password",
	"changeme",
	"change-me",
	"change_me",
	"example",
	"placeholder",
	"default",
	"your-",
	"your_",
	"insert",
	"12345",
	"qwerty",
}

// Secrets — три независимых секрета подписи токенов.
//
// Значение собирается один раз при загрузке конфигурации и дальше передаётся
// по значению; после Validate оно считается неизменяемым на всё время жизни
// процесса.
type Secrets struct {
	// Access — секрет подписи access-токенов.
	Access string `yaml:"access" env:"ACCESS_TOKEN_SECRET" env-required:"true"`
	// Refresh — секрет подписи refresh-токенов.
	Refresh string `yaml:"refresh" env:"REFRESH_TOKEN_SECRET" env-required:"true"`
	// Reset — секрет подписи reset-токенов.
	Reset string `yaml:"reset" env:"RESET_TOKEN_SECRET" env-required:"true"`
}

// Validate проверяет каждый секрет по отдельности (длина, placeholder,
// энтропия) и попарную различность всех трёх. Любая ошибка фатальна:
// с невалидными секретами процесс стартовать не должен.
func (s Secrets) Validate() error {
	named := []struct {
		name  string
		value string
	}{
		{"access", s.Access},
		{"refresh", s.Refresh},
		{"reset", s.Reset},
	}

	for _, n := range named {
		if err := validateSecret(n.value); err != nil {
			return fmt.Errorf("%s secret: %w", n.name, err)
		}
	}

	for i := 0; i < len(named); i++ {
		for j := i + 1; j < len(named); j++ {
			if named[i].value == named[j].value {
				return fmt.Errorf("%s and %s: %w", named[i].name, named[j].name, ErrDuplicateSecret)
			}
		}
	}

	return nil
}

// validateSecret проверяет один секрет.
func validateSecret(secret string) error {
	if secret == "" {
		return fmt.Errorf("%w: empty", ErrInvalidSecret)
	}

	if len([]rune(secret)) < minSecretLen {
		return fmt.Errorf("%w: shorter than %d characters", ErrInvalidSecret, minSecretLen)
	}

	lower := strings.ToLower(secret)
	for _, marker := range placeholderMarkers {
		if strings.Contains(lower, marker) {
			return fmt.Errorf("%w: looks like a placeholder (%q)", ErrInvalidSecret, marker)
		}
	}

	if e := shannonEntropy(secret); e < minSecretEntropy {
		return fmt.Errorf("%w: entropy %.2f bits/char below %.1f", ErrInvalidSecret, e, minSecretEntropy)
	}

	return nil
}

// shannonEntropy — эмпирическая энтропия Шеннона по распределению частот
// символов строки, бит/символ.
func shannonEntropy(s string) float64 {
	runes := []rune(s)
	if len(runes) == 0 {
		return 0
	}

	freq := make(map[rune]int, len(runes))
	for _, r := range runes {
		freq[r]++
	}

	var entropy float64
	total := float64(len(runes))
	for _, count := range freq {
		p := float64(count) / total
		entropy -= p * math.Log2(p)
	}

	return entropy
}

// GenerateSecret возвращает новый случайный секрет для операционной ротации
// ключей: 64 случайных байта в base64url (~86 символов, запас по энтропии
// над порогом minSecretEntropy).
func GenerateSecret() (string, error) {
	b := make([]byte, 64)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("config: generate secret: %w", err)
	}

	return base64.RawURLEncoding.EncodeToString(b), nil
}
