package registry

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/gridpulse/internal/domain"
)

// Authenticator verifies HMAC-signed bearer tokens issued by the auth service.
type Authenticator struct {
	secret []byte
	clock  clockwork.Clock
}

func NewAuthenticator(secret string, clock clockwork.Clock) *Authenticator {
	return &Authenticator{secret: []byte(secret), clock: clock}
}

// TokenFromRequest extracts the raw token from the token query parameter, or
// failing that from an Authorization: Bearer header.
func TokenFromRequest(r *http.Request) string {
	if token := strings.TrimSpace(r.URL.Query().Get("token")); token != "" {
		return token
	}
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// Authenticate verifies rawToken and returns the identity it carries.
// Errors match domain.ErrTokenMissing, domain.ErrTokenInvalid or
// domain.ErrTokenExpired.
func (a *Authenticator) Authenticate(rawToken string) (domain.Identity, error) {
	if rawToken == "" {
		return domain.Identity{}, domain.ErrTokenMissing
	}

	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(rawToken, claims,
		func(*jwt.Token) (any, error) { return a.secret, nil },
		jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.clock.Now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return domain.Identity{}, domain.ErrTokenExpired
		}
		return domain.Identity{}, fmt.Errorf("%w: %v", domain.ErrTokenInvalid, err)
	}

	if tokenType, _ := claims["token_type"].(string); tokenType == "refresh" {
		return domain.Identity{}, fmt.Errorf("%w: refresh tokens cannot open connections", domain.ErrTokenInvalid)
	}

	userID, ok := claimID(claims["user_id"])
	if !ok {
		return domain.Identity{}, fmt.Errorf("%w: missing user_id", domain.ErrTokenInvalid)
	}

	role, _ := claims["role"].(string)
	if !domain.Role(role).Valid() {
		return domain.Identity{}, fmt.Errorf("%w: unknown role %q", domain.ErrTokenInvalid, role)
	}

	username, _ := claims["username"].(string)

	return domain.Identity{UserID: userID, Username: username, Role: domain.Role(role)}, nil
}

const maxExactID = 1 << 53

// claimID accepts a non-empty string or an integral number small enough to
// be exact.
func claimID(v any) (string, bool) {
	switch id := v.(type) {
	case string:
		return id, id != ""
	case float64:
		if id != math.Trunc(id) || math.Abs(id) > maxExactID {
			return "", false
		}
		return strconv.FormatInt(int64(id), 10), true
	default:
		return "", false
	}
}
