package handler

import (
	stderrors "errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/pesio-ai/be-dms-letters/internal/errors"
	"github.com/pesio-ai/be-dms-letters/internal/logger"
)

const contextKeyUserID = "user_id"

// JWTAuth validates an HS256 bearer token and stores its subject under
// "user_id" in the echo context.
func JWTAuth(secret string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			auth := c.Request().Header.Get(echo.HeaderAuthorization)
			if !strings.HasPrefix(auth, "Bearer ") {
				return errors.New(errors.ErrCodeUnauthenticated, "missing bearer token")
			}
			raw := strings.TrimPrefix(auth, "Bearer ")

			tok, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, echo.ErrUnauthorized
				}
				return []byte(secret), nil
			})
			if err != nil || !tok.Valid {
				return errors.New(errors.ErrCodeUnauthenticated, "invalid token")
			}

			sub, err := tok.Claims.GetSubject()
			if err != nil || sub == "" {
				return errors.New(errors.ErrCodeUnauthenticated, "token has no subject")
			}

			c.Set(contextKeyUserID, sub)
			return next(c)
		}
	}
}

// userID returns the authenticated caller, or "" on public routes.
func userID(c echo.Context) string {
	id, _ := c.Get(contextKeyUserID).(string)
	return id
}

// ErrorHandler writes AppErrors as {"error","code","field"} with the status
// their code maps to. Anything else is a 500 unless echo already assigned it
// a status.
func ErrorHandler(log *logger.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		status := http.StatusInternalServerError
		body := echo.Map{"error": "internal server error", "code": errors.ErrCodeInternal}

		var appErr *errors.AppError
		var httpErr *echo.HTTPError
		switch {
		case stderrors.As(err, &appErr):
			status = errors.HTTPStatus(appErr.Code)
			body = echo.Map{"error": appErr.Message, "code": appErr.Code}
			if appErr.Field != "" {
				body["field"] = appErr.Field
			}
		case stderrors.As(err, &httpErr):
			status = httpErr.Code
			body = echo.Map{"error": http.StatusText(httpErr.Code)}
		}

		if status >= http.StatusInternalServerError {
			log.Error().Err(err).
				Str("method", c.Request().Method).
				Str("path", c.Path()).
				Msg("Request failed")
		}

		if c.Request().Method == http.MethodHead {
			err = c.NoContent(status)
		} else {
			err = c.JSON(status, body)
		}
		if err != nil {
			log.Error().Err(err).Msg("Failed to write error response")
		}
	}
}

// RequestLogger logs one line per request.
func RequestLogger(log *logger.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}

			req := c.Request()
			log.Info().
				Str("method", req.Method).
				Str("path", req.URL.Path).
				Int("status", c.Response().Status).
				Dur("latency", time.Since(start)).
				Str("request_id", c.Response().Header().Get(echo.HeaderXRequestID)).
				Str("user_id", userID(c)).
				Msg("HTTP request")
			return nil
		}
	}
}

// NewEcho builds the echo instance with the service middleware and error
// handler installed.
func NewEcho(h *HTTPHandler, secret string, log *logger.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = ErrorHandler(log)

	e.Use(requestID)
	e.Use(RequestLogger(log))
	e.Use(recoverer(log))

	h.RegisterRoutes(e, secret)
	return e
}

func requestID(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		id := c.Request().Header.Get(echo.HeaderXRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		c.Response().Header().Set(echo.HeaderXRequestID, id)
		return next(c)
	}
}

func recoverer(log *logger.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			defer func() {
				if r := recover(); r != nil {
					log.Error().Interface("panic", r).Str("path", c.Request().URL.Path).Msg("Recovered from panic")
					err = errors.New(errors.ErrCodeInternal, "internal server error")
				}
			}()
			return next(c)
		}
	}
}
