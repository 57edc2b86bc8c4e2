package cryptox

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func setTestPepper(t *testing.T) {
	t.Helper()
	SetPepperPath(filepath.Join(t.TempDir(), "pepper"))
}

func TestGenerateToken(t *testing.T) {
	t.Run("rejects non-positive sizes", func(t *testing.T) {
		_, err := GenerateToken(0)
		require.Error(t, err)
		_, err = GenerateToken(-1)
		require.Error(t, err)
	})

	t.Run("produces distinct url-safe tokens", func(t *testing.T) {
		a, err := GenerateToken(TokenSize128)
		require.NoError(t, err)
		b, err := GenerateToken(TokenSize128)
		require.NoError(t, err)

		require.NotEqual(t, a, b)
		require.Len(t, a, 22) // 16 bytes base64url without padding
		require.NotContains(t, a, "=")
	})
}

func TestFingerprintToken(t *testing.T) {
	fp := FingerprintToken("some-token")
	require.Equal(t, fp, FingerprintToken("some-token"))
	require.NotEqual(t, fp, FingerprintToken("other-token"))
	require.Len(t, fp, 43)
}

func TestHashAndVerifyPassword(t *testing.T) {
	setTestPepper(t)

	hash, err := HashPassword("hunter2!")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(hash, "$argon2id$v=19$"))

	require.NoError(t, VerifyPassword("hunter2!", hash))
	require.Error(t, VerifyPassword("hunter3!", hash))
	require.Error(t, VerifyPassword("hunter2!", "not-a-hash"))
}

func TestRecoveryCodes(t *testing.T) {
	code, err := GenerateRecoveryCode()
	require.NoError(t, err)
	require.Len(t, code, recoveryCodeGroups*recoveryCodeGroupSize+1)
	require.Contains(t, code, "-")

	t.Run("fingerprint is keyed by user", func(t *testing.T) {
		require.Equal(t,
			FingerprintRecoveryCode("user-a", code),
			FingerprintRecoveryCode("user-a", code),
		)
		require.NotEqual(t,
			FingerprintRecoveryCode("user-a", code),
			FingerprintRecoveryCode("user-b", code),
		)
	})

	t.Run("fingerprint ignores dashes and case", func(t *testing.T) {
		stripped := strings.ReplaceAll(strings.ToUpper(code), "-", "")
		require.Equal(t,
			FingerprintRecoveryCode("user-a", code),
			FingerprintRecoveryCode("user-a", stripped),
		)
	})
}

func TestGenerateEmailCode(t *testing.T) {
	code, err := GenerateEmailCode()
	require.NoError(t, err)
	require.Len(t, code, 6)
	for _, r := range code {
		require.True(t, r >= '0' && r <= '9')
	}
}
