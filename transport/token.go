package transport

import (
	"crypto/rand"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ConnectTokenTTL bounds how long a daemon has to dial in after
// configure_daemons mints its token. It's generous because launch can
// involve an SSH round trip, not a tight anti-replay window.
const ConnectTokenTTL = 10 * time.Minute

// connectClaims is the payload of a connect token, scoping admission to
// exactly the daemon slot it was minted for.
type connectClaims struct {
	jwt.RegisteredClaims
	Profile         string `json:"profile"`
	SlotIndex       int    `json:"slot"`
	InstanceCounter int64  `json:"instance_counter"`
}

// TokenSigner mints and verifies connect tokens for one profile's HS256
// signing key.
type TokenSigner struct {
	key []byte
}

// NewTokenSigner generates a fresh random signing key, sized for HS256.
func NewTokenSigner() (*TokenSigner, error) {
	var key = make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("transport: generating token signing key: %w", err)
	}
	return &TokenSigner{key: key}, nil
}

// Mint produces a compact connect token scoped to (profile, slot,
// instanceCounter), for embedding in the launch command of that daemon
// slot.
func (s *TokenSigner) Mint(profile string, slotIndex int, instanceCounter int64) (string, error) {
	var now = time.Now()
	var claims = connectClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "taskmesh-host",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ConnectTokenTTL)),
		},
		Profile:         profile,
		SlotIndex:       slotIndex,
		InstanceCounter: instanceCounter,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
}

// Verify checks tokenStr's signature and expiry and, if it matches
// (profile, slotIndex), returns the instance_counter it was minted
// against. A mismatched slot or profile is treated the same as a bad
// signature: reject, don't leak which part failed.
func (s *TokenSigner) Verify(tokenStr, profile string, slotIndex int) (int64, error) {
	var claims connectClaims
	token, err := jwt.ParseWithClaims(tokenStr, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.key, nil
	})
	if err != nil {
		return 0, fmt.Errorf("transport: verifying connect token: %w", err)
	}
	if !token.Valid {
		return 0, fmt.Errorf("transport: connect token invalid")
	}
	if claims.Profile != profile || claims.SlotIndex != slotIndex {
		return 0, fmt.Errorf("transport: connect token not scoped to this daemon slot")
	}
	return claims.InstanceCounter, nil
}
