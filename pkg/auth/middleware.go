package auth

import (
	"net/http"
	"strings"

	"github.com/nimburion/chatsync/pkg/controller"
	"github.com/nimburion/chatsync/pkg/observability/logger"
)

// AccessTokenQueryParam carries the token for clients that cannot set
// headers, such as browser EventSource.
const AccessTokenQueryParam = "access_token"

// MiddlewareConfig configures Authenticate.
type MiddlewareConfig struct {
	Validator TokenValidator
	// AllowQueryToken accepts the token from AccessTokenQueryParam when no
	// Authorization header is present.
	AllowQueryToken bool
	Logger          logger.Logger
}

// Authenticate validates the bearer token and stores claims in the request
// context. Missing or invalid tokens get 401.
func Authenticate(cfg MiddlewareConfig) func(http.Handler) http.Handler {
	log := cfg.Logger
	if log == nil {
		log = logger.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r, cfg.AllowQueryToken)
			if !ok {
				controller.Error(w, r, log, controller.NewUnauthorizedError("missing bearer token"))
				return
			}
			claims, err := cfg.Validator.Validate(r.Context(), token)
			if err != nil {
				log.WithContext(r.Context()).Debug("token rejected", "error", err)
				controller.Error(w, r, log, controller.NewUnauthorizedError("invalid bearer token"))
				return
			}
			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
		})
	}
}

// RequireScope rejects authenticated callers lacking scope with 403.
func RequireScope(scope string, log logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !GetClaims(r.Context()).HasScope(scope) {
				controller.Error(w, r, log, controller.NewError(http.StatusForbidden,
					controller.CodeForbidden, "missing scope "+scope, nil))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// TrustHeader takes the subject from a header set by an authenticating
// gateway in front of the service. Requests without it get 401.
func TrustHeader(header string, log logger.Logger) func(http.Handler) http.Handler {
	if log == nil {
		log = logger.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			subject := strings.TrimSpace(r.Header.Get(header))
			if subject == "" {
				controller.Error(w, r, log, controller.NewUnauthorizedError("missing "+header+" header"))
				return
			}
			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), &Claims{Subject: subject})))
		})
	}
}

// SubjectFromRequest returns the authenticated subject, or "".
func SubjectFromRequest(r *http.Request) string {
	if claims := GetClaims(r.Context()); claims != nil {
		return claims.Subject
	}
	return ""
}

func bearerToken(r *http.Request, allowQuery bool) (string, bool) {
	if header := r.Header.Get("Authorization"); header != "" {
		scheme, token, found := strings.Cut(header, " ")
		if !found || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
			return "", false
		}
		return strings.TrimSpace(token), true
	}
	if allowQuery {
		if token := r.URL.Query().Get(AccessTokenQueryParam); token != "" {
			return token, true
		}
	}
	return "", false
}
