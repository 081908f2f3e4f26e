package crypto

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/scrypt"
)

func TestMakePassword_RoundTrip(t *testing.T) {
	encoded, err := MakePassword("s3cret", 1000)
	if err != nil {
		t.Fatalf("MakePassword() error = %v", err)
	}
	if !strings.HasPrefix(encoded, "pbkdf2_sha256$1000$") {
		t.Fatalf("unexpected encoding %q", encoded)
	}

	ok, err := CheckPassword("s3cret", encoded)
	if err != nil || !ok {
		t.Errorf("CheckPassword(correct) = %v, %v", ok, err)
	}
	ok, err = CheckPassword("wrong", encoded)
	if err != nil || ok {
		t.Errorf("CheckPassword(wrong) = %v, %v", ok, err)
	}
}

func TestMakePassword_UniqueSalts(t *testing.T) {
	a, _ := MakePassword("same", 10)
	b, _ := MakePassword("same", 10)
	if a == b {
		t.Error("two encodings of the same password should differ by salt")
	}
}

func TestCheckPassword_Bcrypt(t *testing.T) {
	plain, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	sum := sha256.Sum256([]byte("hunter2"))
	prehashed, err := bcrypt.GenerateFromPassword([]byte(hex.EncodeToString(sum[:])), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name     string
		encoded  string
		password string
		want     bool
	}{
		{"bcrypt match", "bcrypt$" + string(plain), "hunter2", true},
		{"bcrypt mismatch", "bcrypt$" + string(plain), "hunter3", false},
		{"bcrypt_sha256 match", "bcrypt_sha256$" + string(prehashed), "hunter2", true},
		{"bcrypt_sha256 mismatch", "bcrypt_sha256$" + string(prehashed), "nope", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CheckPassword(tt.password, tt.encoded)
			if err != nil {
				t.Fatalf("CheckPassword() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("CheckPassword() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCheckPassword_Scrypt(t *testing.T) {
	dk, err := scrypt.Key([]byte("pa55"), []byte("seasalt"), 1024, 8, 1, scryptKeyLen)
	if err != nil {
		t.Fatal(err)
	}
	encoded := fmt.Sprintf("scrypt$1024$seasalt$8$1$%s", base64.StdEncoding.EncodeToString(dk))

	if ok, err := CheckPassword("pa55", encoded); err != nil || !ok {
		t.Errorf("CheckPassword(correct) = %v, %v", ok, err)
	}
	if ok, err := CheckPassword("pa56", encoded); err != nil || ok {
		t.Errorf("CheckPassword(wrong) = %v, %v", ok, err)
	}
}

func TestCheckPassword_Unusable(t *testing.T) {
	for _, encoded := range []string{"", "!", "!abcdef"} {
		ok, err := CheckPassword("anything", encoded)
		if ok || err != nil {
			t.Errorf("CheckPassword(%q) = %v, %v; want false, nil", encoded, ok, err)
		}
	}
}

func TestCheckPassword_Errors(t *testing.T) {
	tests := []struct {
		name    string
		encoded string
		wantErr error
	}{
		{"no separator", "plaintext", ErrMalformedHash},
		{"unknown algorithm", "md5$$abc", ErrUnknownAlgorithm},
		{"pbkdf2 missing fields", "pbkdf2_sha256$1000$salt", ErrMalformedHash},
		{"pbkdf2 bad iterations", "pbkdf2_sha256$many$salt$AAAA", ErrMalformedHash},
		{"pbkdf2 bad base64", "pbkdf2_sha256$1000$salt$***", ErrMalformedHash},
		{"scrypt missing fields", "scrypt$1024$salt$8$1", ErrMalformedHash},
		{"bcrypt garbage", "bcrypt$notahash", ErrMalformedHash},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, err := CheckPassword("pw", tt.encoded)
			if ok {
				t.Error("malformed hash must not match")
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}
