package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// JWTSecretEnv names the variable holding the session signing secret
const JWTSecretEnv = "WPD_JWT_SECRET"

const jwtIssuer = "wpdepot"

var (
	jwtSecret     string
	jwtSecretOnce sync.Once
	jwtSecretErr  error
)

// Claims is the session token payload. Scopes are resolved from the user's
// role at login and re-resolved on refresh.
type Claims struct {
	UserID string   `json:"user_id"`
	Email  string   `json:"email"`
	Role   string   `json:"role"`
	Scopes []string `json:"scopes"`
	jwt.RegisteredClaims
}

// IsDevMode reports whether the process runs in development mode
// (WPD_DEV_MODE=true|1 or GIN_MODE=debug).
func IsDevMode() bool {
	dev := os.Getenv("WPD_DEV_MODE")
	return dev == "true" || dev == "1" || os.Getenv("GIN_MODE") == "debug"
}

// ValidateJWTSecret checks that WPD_JWT_SECRET is set. In dev mode a random
// secret is generated instead, which invalidates sessions on restart.
// Call this at startup.
func ValidateJWTSecret() error {
	jwtSecretOnce.Do(func() {
		secret := os.Getenv(JWTSecretEnv)
		if secret == "" {
			if !IsDevMode() {
				jwtSecretErr = fmt.Errorf("%s is required outside dev mode (generate one with: openssl rand -hex 32)", JWTSecretEnv)
				return
			}
			b := make([]byte, 32)
			if _, err := rand.Read(b); err != nil {
				jwtSecretErr = fmt.Errorf("failed to generate dev JWT secret: %w", err)
				return
			}
			jwtSecret = hex.EncodeToString(b)
			slog.Warn("JWT secret not set; using a generated secret, sessions will not survive restarts", "env", JWTSecretEnv)
			return
		}
		if len(secret) < 32 {
			slog.Warn("JWT secret is shorter than 32 characters", "env", JWTSecretEnv)
		}
		jwtSecret = secret
	})
	return jwtSecretErr
}

// GetJWTSecret returns the validated secret. Panics when validation failed.
func GetJWTSecret() string {
	if jwtSecret == "" {
		if err := ValidateJWTSecret(); err != nil {
			panic(err)
		}
	}
	return jwtSecret
}

// GenerateJWT signs a session token
func GenerateJWT(userID, email, role string, scopes []string, expiresIn time.Duration) (string, error) {
	if expiresIn == 0 {
		expiresIn = time.Hour
	}
	now := time.Now()

	claims := &Claims{
		UserID: userID,
		Email:  email,
		Role:   role,
		Scopes: scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(expiresIn)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    jwtIssuer,
			Subject:   userID,
		},
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(GetJWTSecret()))
}

// ValidateJWT parses and validates a session token
func ValidateJWT(tokenString string) (*Claims, error) {
	secret := GetJWTSecret()

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(secret), nil
	}, jwt.WithIssuer(jwtIssuer))
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}
