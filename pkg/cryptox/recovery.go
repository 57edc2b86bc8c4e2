package cryptox

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"math/big"
	"strings"
)

// Recovery codes are short, human-typeable, single-use codes. They are stored
// only as a per-user-keyed HMAC so a leaked table cannot be replayed against a
// different account and cannot be reversed into the codes.

const (
	recoveryCodeGroups    = 2
	recoveryCodeGroupSize = 5
	recoveryCodeCharset   = "abcdefghjkmnpqrstuvwxyz23456789" // no 0/1/i/l/o
)

// GenerateRecoveryCode returns a code like "k4n7q-w9xm3".
func GenerateRecoveryCode() (string, error) {
	groups := make([]string, recoveryCodeGroups)
	buf := make([]byte, recoveryCodeGroupSize)
	for g := range groups {
		for i := range buf {
			n, err := rand.Int(rand.Reader, big.NewInt(int64(len(recoveryCodeCharset))))
			if err != nil {
				return "", fmt.Errorf("failed to generate recovery code: %w", err)
			}
			buf[i] = recoveryCodeCharset[n.Int64()]
		}
		groups[g] = string(buf)
	}
	return strings.Join(groups, "-"), nil
}

// FingerprintRecoveryCode returns the HMAC-SHA256 of the code keyed by the
// owning user id, base64url-encoded. The same code yields different
// fingerprints for different users.
func FingerprintRecoveryCode(userID, code string) string {
	mac := hmac.New(sha256.New, []byte(userID))
	mac.Write([]byte(normalizeRecoveryCode(code)))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// normalizeRecoveryCode strips separators and whitespace so users may type the
// code with or without the dash.
func normalizeRecoveryCode(code string) string {
	code = strings.ToLower(strings.TrimSpace(code))
	return strings.ReplaceAll(code, "-", "")
}

// GenerateEmailCode returns a 6-digit numeric code for emailed sign-in codes.
func GenerateEmailCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		return "", fmt.Errorf("failed to generate email code: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}
