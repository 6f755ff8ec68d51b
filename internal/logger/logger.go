package logger

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/iurnickita/paybooking/internal/logger/config"
)

// тела длиннее пишутся в лог только размером
const maxLoggedBody = 2048

// MaxRequestBody - предел тела запроса, читаемого middleware
const MaxRequestBody = 1 << 20

func NewZapLog(cfg config.Config) (*zap.Logger, error) {
	// преобразуем текстовый уровень логирования в zap.AtomicLevel
	lvl, err := zap.ParseAtomicLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	zapcfg := zap.NewProductionConfig()
	zapcfg.Level = lvl
	zl, err := zapcfg.Build()
	if err != nil {
		return nil, err
	}
	return zl, nil
}

// middleware-логер для входящих HTTP-запросов.
// Тело запроса возвращается в r.Body без изменений: вебхук проверяет подпись по сырым байтам
func RequestLogMdlw(h http.HandlerFunc, zaplog *zap.Logger) http.HandlerFunc {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {

		// request body
		bodyBytes, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxRequestBody))
		r.Body.Close() //  must close
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				zaplog.Warn("request body too large",
					zap.String("path", r.URL.Path),
					zap.Int64("limit", tooLarge.Limit),
				)
				http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
				return
			}
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(bodyBytes))

		zaplog.Info("got incoming HTTP request",
			zap.String("path", r.URL.Path),
			zap.String("method", r.Method),
			zap.Int("size", len(bodyBytes)),
			bodyField(bodyBytes),
		)

		wl := NewResponseWriterLogger(w)

		handlerStart := time.Now()
		h(wl, r)
		handlerDuration := time.Since(handlerStart)

		zaplog.Info("send HTTP response",
			zap.String("path", r.URL.Path),
			zap.Int("code", wl.statusCode),
			zap.Int("length", wl.length),
			bodyField(wl.body),
			zap.Duration("duration", handlerDuration),
		)
	})
}

func bodyField(body []byte) zap.Field {
	if len(body) > maxLoggedBody {
		return zap.Skip()
	}
	return zap.ByteString("body", body)
}

type responseWriterLogger struct {
	http.ResponseWriter
	statusCode int
	length     int
	body       []byte
}

func NewResponseWriterLogger(w http.ResponseWriter) *responseWriterLogger {
	return &responseWriterLogger{w, http.StatusOK, 0, nil}
}

func (wl *responseWriterLogger) WriteHeader(code int) {
	wl.statusCode = code
	wl.ResponseWriter.WriteHeader(code)
}

func (wl *responseWriterLogger) Write(b []byte) (n int, err error) {
	wl.body = append(wl.body, b...)
	n, err = wl.ResponseWriter.Write(b)
	wl.length += n
	return
}
