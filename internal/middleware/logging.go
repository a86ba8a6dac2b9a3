// middleware реализует сквозные HTTP-обёртки сервиса: контекстное
// логирование с request-id, перехват паник и таймаут запроса.
package middleware

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/Whiskyrie/solidarios-auth/internal/pkg/log"

	"github.com/google/uuid"
)

// statusRecorder запоминает статус ответа для итоговой логзаписи.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Logging реализует логирование HTTP-запросов с контекстным логгером.
//
// Поведение и формат логов:
//   - Вытягивает X-Request-Id из заголовков, иначе генерирует UUID;
//   - Кладёт обогащённый *slog.Logger в context (pkg/log), чтобы он был
//     доступен глубже по стеку;
//   - После выполнения handler пишет одну строку уровня Info: msg="http",
//     status=<код ответа>, dur=<время выполнения>.
//
// Безопасность:
//   - Логи не содержат чувствительных данных (только метод/путь/peer/request_id);
//   - Если базовый логгер не передан, используется slog.Default() (без паник).
func Logging(base *slog.Logger) func(http.Handler) http.Handler {
	if base == nil {
		base = slog.Default()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// request_id: из заголовка, иначе генерируется новый.
			rid := r.Header.Get("X-Request-Id")
			if rid == "" {
				rid = uuid.NewString()
			}

			// обогащённый логгер и прокладка в контекст.
			l := base.With(
				slog.String("request_id", rid),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("peer", r.RemoteAddr),
			)
			ctx := log.Into(r.Context(), l)

			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			w.Header().Set("X-Request-Id", rid)

			next.ServeHTTP(rec, r.WithContext(ctx))

			// итоговая запись.
			l.Info("http",
				slog.Int("status", rec.status),
				slog.Duration("dur", time.Since(start)),
			)
		})
	}
}
