package session

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/zeebo/blake3"

	"gatekeep/internal/constants"
)

// base62Alphabet is used for human-friendly token encoding (no special chars).
const base62Alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// GenerateToken creates a new session token with the gks_ prefix.
// 32 bytes of entropy, well above the 128-bit floor. Returns the plaintext
// token, sent to the client exactly once.
func GenerateToken() (string, error) {
	randomBytes := make([]byte, constants.SessionTokenBytes)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", fmt.Errorf("failed to generate session token: %w", err)
	}
	return constants.SessionTokenPrefix + base62Encode(randomBytes), nil
}

// HashToken computes a BLAKE3 hash of a token for storage.
// The plaintext is never stored — only the hash.
func HashToken(token string) string {
	hasher := blake3.New()
	hasher.Write([]byte(token))
	return hex.EncodeToString(hasher.Sum(nil))
}

// TokenPrefix returns the first N characters of a token for logging.
func TokenPrefix(token string) string {
	if len(token) <= constants.TokenPrefixLength {
		return token
	}
	return token[:constants.TokenPrefixLength]
}

// IsSessionToken checks if a token has the session token prefix.
func IsSessionToken(token string) bool {
	return strings.HasPrefix(token, constants.SessionTokenPrefix)
}

// base62Encode encodes raw bytes to a base62 string.
func base62Encode(data []byte) string {
	num := new(big.Int).SetBytes(data)
	base := big.NewInt(int64(len(base62Alphabet)))

	if num.Sign() == 0 {
		return string(base62Alphabet[0])
	}

	var result []byte
	zero := big.NewInt(0)
	mod := new(big.Int)

	for num.Cmp(zero) > 0 {
		num.DivMod(num, base, mod)
		result = append(result, base62Alphabet[mod.Int64()])
	}

	for i, j := 0, len(result)-1; i < j; i, j = i+1, j-1 {
		result[i], result[j] = result[j], result[i]
	}

	return string(result)
}
