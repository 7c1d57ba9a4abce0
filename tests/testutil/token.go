package testutil

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TestSigningKey signs tokens issued by SignedToken and the fake server.
var TestSigningKey = []byte("topicfeed-test-secret")

// SignedToken returns an HS256 token carrying user_id and an expiry one
// day out, shaped like the tokens the real server issues.
func SignedToken(t *testing.T, userID string) string {
	t.Helper()

	signed, err := issueToken(userID)
	if err != nil {
		t.Fatalf("signing test token: %v", err)
	}
	return signed
}

// ExpiredToken returns a token for userID that expired an hour ago.
func ExpiredToken(t *testing.T, userID string) string {
	t.Helper()

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": userID,
		"exp":     time.Now().Add(-time.Hour).Unix(),
	})
	signed, err := token.SignedString(TestSigningKey)
	if err != nil {
		t.Fatalf("signing test token: %v", err)
	}
	return signed
}
