// log прокидывает request-scoped slog.Logger через context.Context.
//
// HTTP-middleware кладёт в контекст логгер с request_id, а сервисный слой
// достаёт его через From: записи одного запроса связываются без передачи
// логгера по всем сигнатурам.
package log

import (
	"context"
	"log/slog"
)

type ctxKey struct{}

// Into кладёт логгер в контекст.
func Into(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// From достаёт логгер из контекста; если его там нет — slog.Default(),
// чтобы вызывающий код не проверял nil.
func From(ctx context.Context) *slog.Logger {
	if v := ctx.Value(ctxKey{}); v != nil {
		if l, ok := v.(*slog.Logger); ok && l != nil {
			return l
		}
	}

	return slog.Default()
}
