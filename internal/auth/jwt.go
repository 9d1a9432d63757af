// Package auth issues and verifies the tokens presented on both
// collaboration channels.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

var (
	ErrInvalidToken = errors.New("auth: invalid token")
	ErrRoomDenied   = errors.New("auth: room not allowed for this token")
)

const RoleCandidate = "candidate"

// Claims identify a platform user. Candidates carry the single interview
// their access token was issued for.
type Claims struct {
	Name        string `json:"name"`
	Role        string `json:"role"`
	InterviewID string `json:"interviewId,omitempty"`
	jwt.RegisteredClaims
}

func (c *Claims) UserID() string {
	return c.Subject
}

// CanJoin reports whether the holder may enter roomID ("code-<id>", "note-<id>").
// Candidates are limited to the code room of their own interview.
func (c *Claims) CanJoin(roomID string) error {
	if c.Role != RoleCandidate || !strings.HasPrefix(roomID, "code-") {
		return nil
	}
	if c.InterviewID != "" && roomID == "code-"+c.InterviewID {
		return nil
	}
	return ErrRoomDenied
}

type Verifier struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewVerifier(secret string, ttl time.Duration) *Verifier {
	return &Verifier{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Issue signs a token for userID
func (v *Verifier) Issue(userID, name, role, interviewID string) (string, error) {
	now := v.now()
	claims := Claims{
		Name:        name,
		Role:        role,
		InterviewID: interviewID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(v.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

func (v *Verifier) Verify(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, ErrInvalidToken
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Unverified decodes the claims of tokenString without checking its
// signature. Clients use it to learn their own identity.
func Unverified(tokenString string) (*Claims, error) {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return claims, nil
}
