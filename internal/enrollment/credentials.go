package enrollment

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DeviceClaims represents the signed device credential claims.
type DeviceClaims struct {
	DeviceID string `json:"device_id"`
	jwt.RegisteredClaims
}

// CredentialIssuer issues and verifies signed device credentials.
type CredentialIssuer struct {
	secret []byte
	ttl    time.Duration
}

// NewCredentialIssuer constructs a credential issuer.
func NewCredentialIssuer(secret []byte, ttl time.Duration) (*CredentialIssuer, error) {
	if len(secret) == 0 {
		return nil, errors.New("enrollment: empty credential secret")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &CredentialIssuer{secret: secret, ttl: ttl}, nil
}

// Issue produces a signed, expiring credential for a device.
func (i *CredentialIssuer) Issue(deviceID string) (string, error) {
	if i == nil {
		return "", errors.New("enrollment: nil issuer")
	}
	if deviceID == "" {
		return "", errors.New("enrollment: empty device id")
	}
	now := time.Now().UTC()
	claims := DeviceClaims{
		DeviceID: deviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   deviceID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(i.secret)
}

// Verify checks a credential and returns the device id it was issued for.
// Expired or tampered tokens return ok=false; callers decide whether that
// triggers re-enrollment.
func (i *CredentialIssuer) Verify(tokenString string) (string, bool) {
	if i == nil || tokenString == "" {
		return "", false
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &DeviceClaims{}
	token, err := parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("enrollment: invalid signing method")
		}
		return i.secret, nil
	})
	if err != nil || !token.Valid {
		return "", false
	}
	if claims.DeviceID == "" {
		return "", false
	}
	if claims.ExpiresAt != nil && time.Now().After(claims.ExpiresAt.Time) {
		return "", false
	}
	return claims.DeviceID, true
}
