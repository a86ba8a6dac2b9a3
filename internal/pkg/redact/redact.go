// redact маскирует чувствительные значения перед записью в лог.
//
// Email, пароли и токены (access/refresh/reset) в логи целиком не попадают:
// email усечённо маскируется для отладки, остальное заменяется маркером.
package redact

import "strings"

// Email маскирует локальную часть адреса, оставляя первые два символа
// и домен: "user@example.com" -> "us***@example.com".
func Email(s string) string {
	parts := strings.Split(s, "@")
	if len(parts) != 2 {
		return "***"
	}

	local, domain := parts[0], parts[1]
	if len(local) > 2 {
		local = local[:2] + "***"
	} else {
		local = "***"
	}

	return local + "@" + domain
}

// Token — маркер вместо любого токена в логах.
func Token() string { return "[REDACTED_TOKEN]" }

// Password — маркер вместо пароля в логах.
func Password() string { return "[REDACTED_PASSWORD]" }
