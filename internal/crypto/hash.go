// Package crypto verifies password hashes written by the main application's
// user store. Encoded hashes follow the "<algorithm>$<fields...>" layout.
package crypto

import (
	"crypto/rand"
	"crypto/sha1" // #nosec G505 -- legacy pbkdf2_sha1 hashes only
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"strconv"
	"strings"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/crypto/scrypt"
)

// DefaultPBKDF2Iterations is used by MakePassword.
const DefaultPBKDF2Iterations = 600000

// Scrypt output length used by the main application's scrypt hasher.
const scryptKeyLen = 64

var (
	// ErrUnknownAlgorithm is returned for hashes we cannot verify.
	ErrUnknownAlgorithm = errors.New("unknown password hash algorithm")
	// ErrMalformedHash is returned when an encoded hash has the wrong shape.
	ErrMalformedHash = errors.New("malformed password hash")
)

// CheckPassword reports whether password matches the encoded hash. Unusable
// hashes (empty or starting with "!") never match.
func CheckPassword(password, encoded string) (bool, error) {
	if encoded == "" || strings.HasPrefix(encoded, "!") {
		return false, nil
	}
	algorithm, rest, ok := strings.Cut(encoded, "$")
	if !ok {
		return false, ErrMalformedHash
	}

	switch algorithm {
	case "pbkdf2_sha256":
		return checkPBKDF2(password, rest, sha256.New, sha256.Size)
	case "pbkdf2_sha1":
		return checkPBKDF2(password, rest, sha1.New, sha1.Size)
	case "bcrypt":
		return checkBcrypt([]byte(password), rest)
	case "bcrypt_sha256":
		sum := sha256.Sum256([]byte(password))
		return checkBcrypt([]byte(hex.EncodeToString(sum[:])), rest)
	case "scrypt":
		return checkScrypt(password, rest)
	default:
		return false, fmt.Errorf("%w: %s", ErrUnknownAlgorithm, algorithm)
	}
}

// MakePassword encodes password as pbkdf2_sha256 with a random salt.
func MakePassword(password string, iterations int) (string, error) {
	if iterations <= 0 {
		iterations = DefaultPBKDF2Iterations
	}
	salt, err := randomSalt()
	if err != nil {
		return "", err
	}
	dk := pbkdf2.Key([]byte(password), []byte(salt), iterations, sha256.Size, sha256.New)
	return fmt.Sprintf("pbkdf2_sha256$%d$%s$%s", iterations, salt, base64.StdEncoding.EncodeToString(dk)), nil
}

// pbkdf2 layout: <iterations>$<salt>$<base64 key>
func checkPBKDF2(password, rest string, h func() hash.Hash, keyLen int) (bool, error) {
	parts := strings.Split(rest, "$")
	if len(parts) != 3 {
		return false, ErrMalformedHash
	}
	iterations, err := strconv.Atoi(parts[0])
	if err != nil || iterations <= 0 {
		return false, ErrMalformedHash
	}
	want, err := base64.StdEncoding.DecodeString(parts[2])
	if err != nil {
		return false, ErrMalformedHash
	}
	got := pbkdf2.Key([]byte(password), []byte(parts[1]), iterations, keyLen, h)
	return subtle.ConstantTimeCompare(got, want) == 1, nil
}

// bcrypt layout: $<bcrypt hash>, the leading '$' of the bcrypt hash remains
// after the algorithm prefix is cut.
func checkBcrypt(password []byte, rest string) (bool, error) {
	if !strings.HasPrefix(rest, "$") {
		return false, ErrMalformedHash
	}
	err := bcrypt.CompareHashAndPassword([]byte(rest), password)
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrMalformedHash, err)
	}
	return true, nil
}

// scrypt layout: <n>$<salt>$<r>$<p>$<base64 key>
func checkScrypt(password, rest string) (bool, error) {
	parts := strings.Split(rest, "$")
	if len(parts) != 5 {
		return false, ErrMalformedHash
	}
	n, errN := strconv.Atoi(parts[0])
	r, errR := strconv.Atoi(parts[2])
	p, errP := strconv.Atoi(parts[3])
	if errN != nil || errR != nil || errP != nil {
		return false, ErrMalformedHash
	}
	want, err := base64.StdEncoding.DecodeString(parts[4])
	if err != nil {
		return false, ErrMalformedHash
	}
	got, err := scrypt.Key([]byte(password), []byte(parts[1]), n, r, p, scryptKeyLen)
	if err != nil {
		return false, fmt.Errorf("scrypt key derivation failed: %w", err)
	}
	return subtle.ConstantTimeCompare(got, want) == 1, nil
}

const saltAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

func randomSalt() (string, error) {
	b := make([]byte, 22)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to read random salt: %w", err)
	}
	for i := range b {
		b[i] = saltAlphabet[int(b[i])%len(saltAlphabet)]
	}
	return string(b), nil
}
