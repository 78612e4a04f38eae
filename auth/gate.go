package auth

import (
	"fmt"
	"log/slog"

	"github.com/golang-jwt/jwt/v5"

	"github.com/electricautomaticchile/Websocket-api/errors"
)

// Config holds authentication gate configuration
type Config struct {
	// Secret is the HMAC key used to verify bearer tokens
	Secret string `yaml:"secret"`
	// Permissive admits unauthenticated connections as anonymous customers.
	// Local development only; every use is logged as a warning.
	Permissive bool `yaml:"permissive"`
}

// Gate validates bearer credentials and produces Claims. It is safe for
// concurrent use.
type Gate struct {
	secret     []byte
	permissive bool
	logger     *slog.Logger
}

// tokenClaims is the wire shape of the signed credential
type tokenClaims struct {
	jwt.RegisteredClaims
	Role           string `json:"role"`
	OrganizationID string `json:"org,omitempty"`
	CustomerID     string `json:"customer,omitempty"`
}

// NewGate creates an authentication gate
func NewGate(cfg Config, logger *slog.Logger) (*Gate, error) {
	if cfg.Secret == "" && !cfg.Permissive {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Gate", "NewGate",
			"auth secret required outside permissive mode")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		secret:     []byte(cfg.Secret),
		permissive: cfg.Permissive,
		logger:     logger.With("component", "auth-gate"),
	}, nil
}

// Authenticate validates a bearer token and returns the claims it carries.
// A missing or invalid token is rejected with errors.ErrUnauthorized; in
// permissive mode it instead yields anonymous customer claims and logs a
// warning so the mode cannot be left on silently.
func (g *Gate) Authenticate(token string) (Claims, error) {
	if token == "" {
		return g.denyOrPermit("missing bearer token")
	}

	claims, err := g.verify(token)
	if err != nil {
		return g.denyOrPermit(fmt.Sprintf("invalid bearer token: %v", err))
	}
	return claims, nil
}

// verify parses and validates the signed token
func (g *Gate) verify(token string) (Claims, error) {
	var tc tokenClaims
	parsed, err := jwt.ParseWithClaims(token, &tc, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return g.secret, nil
	})
	if err != nil {
		return Claims{}, err
	}
	if !parsed.Valid {
		return Claims{}, errors.ErrUnauthorized
	}

	role := Role(tc.Role)
	if !role.Valid() {
		return Claims{}, fmt.Errorf("unknown role %q", tc.Role)
	}
	if tc.Subject == "" {
		return Claims{}, fmt.Errorf("token missing subject")
	}

	claims := Claims{
		IdentityID:     tc.Subject,
		Role:           role,
		OrganizationID: tc.OrganizationID,
		CustomerID:     tc.CustomerID,
	}

	// Ownership scope must match the role, otherwise a customer token
	// could smuggle in an organization scope.
	switch role {
	case RoleCustomer:
		if claims.CustomerID == "" {
			return Claims{}, fmt.Errorf("customer token missing customer scope")
		}
	case RoleOrganization:
		if claims.OrganizationID == "" {
			return Claims{}, fmt.Errorf("organization token missing org scope")
		}
		claims.CustomerID = ""
	case RoleOperator:
		claims.OrganizationID = ""
		claims.CustomerID = ""
	}

	return claims, nil
}

// denyOrPermit applies the permissive-mode policy for failed authentication
func (g *Gate) denyOrPermit(reason string) (Claims, error) {
	if !g.permissive {
		return Claims{}, errors.WrapInvalid(errors.ErrUnauthorized, "Gate", "Authenticate", reason)
	}

	g.logger.Warn("permissive mode admitted unauthenticated connection",
		"reason", reason)

	return Claims{
		IdentityID: "anonymous",
		Role:       RoleCustomer,
		Permissive: true,
	}, nil
}
