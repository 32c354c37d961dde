package mcpgateway

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ShipSecAI/studio-sub005/internal/shipsec"
)

// SessionClaims is the signed payload issued to an MCP client authorized to
// reach the gateway on behalf of one run.
type SessionClaims struct {
	RunID          string   `json:"runId"`
	OrganizationID string   `json:"organizationId,omitempty"`
	AllowedNodeIDs []string `json:"allowedNodeIds"`
	jwt.RegisteredClaims
}

// TokenIssuer signs and validates session tokens with a shared internal
// secret, opaque to the agents that carry them.
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
}

// DefaultTokenTTL bounds how long an issued session token is valid.
const DefaultTokenTTL = 15 * time.Minute

// NewTokenIssuer constructs a TokenIssuer. secret must be non-empty.
func NewTokenIssuer(secret []byte, ttl time.Duration) (*TokenIssuer, error) {
	if len(secret) == 0 {
		return nil, shipsec.NewError(shipsec.KindConfiguration, "", "mcp gateway session secret must not be empty")
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &TokenIssuer{secret: secret, ttl: ttl}, nil
}

// Issue signs a new session token scoped to runID and allowedNodeIDs.
func (i *TokenIssuer) Issue(runID, organizationID string, allowedNodeIDs []string) (string, error) {
	now := time.Now().UTC()
	claims := SessionClaims{
		RunID:          runID,
		OrganizationID: organizationID,
		AllowedNodeIDs: allowedNodeIDs,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("sign session token: %w", err)
	}
	return signed, nil
}

// Validate parses and verifies a bearer token's signature and expiry,
// returning its claims.
func (i *TokenIssuer) Validate(raw string) (*SessionClaims, error) {
	claims := &SessionClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return i.secret, nil
	})
	if err != nil {
		return nil, shipsec.Wrap(shipsec.KindAuth, "", fmt.Errorf("invalid session token: %w", err))
	}
	if !token.Valid {
		return nil, shipsec.NewError(shipsec.KindAuth, "", "invalid session token")
	}
	return claims, nil
}
