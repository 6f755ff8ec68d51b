package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/iurnickita/paybooking/internal/auth/config"
	"github.com/iurnickita/paybooking/internal/token"
)

// Выдача токенов (регистрация, вход) во внешнем сервисе; здесь только проверка
type Auth interface {
	Middleware(h http.HandlerFunc) http.HandlerFunc
}

const (
	UserCodeKey     = "userCode"
	cookieUserToken = "paybookingUserToken"
	bearerPrefix    = "Bearer "
)

var ErrNoToken = errors.New("no token")

type auth struct {
	secret string
}

func NewAuth(cfg config.Config) Auth {
	return &auth{secret: cfg.JWTSecret}
}

func (a *auth) Middleware(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// получение id пользователя
		userCode, err := a.getUserCode(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}

		// записываем; заголовок от клиента перетирается
		r.Header.Set(UserCodeKey, userCode)

		// передаём управление хендлеру
		h.ServeHTTP(w, r)
	}
}

func (a *auth) getUserCode(r *http.Request) (string, error) {
	var tokenString string
	if header := r.Header.Get("Authorization"); strings.HasPrefix(header, bearerPrefix) {
		tokenString = strings.TrimPrefix(header, bearerPrefix)
	} else {
		// куки пользователя
		tokenCookie, err := r.Cookie(cookieUserToken)
		if err != nil {
			return "", ErrNoToken
		}
		tokenString = tokenCookie.Value
	}
	return token.GetUserCode(tokenString, a.secret)
}
