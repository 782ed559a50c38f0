package security

import (
	"bytes"
	"encoding/base64"
	"testing"
)

func newTestEncryptor(t *testing.T) *Encryptor {
	t.Helper()
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	enc, err := NewEncryptor(key)
	if err != nil {
		t.Fatalf("NewEncryptor() error = %v", err)
	}
	return enc
}

func TestGenerateKey(t *testing.T) {
	a, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	b, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}

	if len(a) != encryptionKeySize {
		t.Errorf("key length = %d, want %d", len(a), encryptionKeySize)
	}
	if bytes.Equal(a, b) {
		t.Error("consecutive keys must differ")
	}
}

func TestNewEncryptor(t *testing.T) {
	tests := []struct {
		name        string
		key         []byte
		wantErr     bool
		wantEnabled bool
	}{
		{"32-byte key", make([]byte, 32), false, true},
		{"nil key disables", nil, false, false},
		{"empty key disables", []byte{}, false, false},
		{"16-byte key rejected", make([]byte, 16), true, false},
		{"64-byte key rejected", make([]byte, 64), true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enc, err := NewEncryptor(tt.key)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewEncryptor() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && enc.IsEnabled() != tt.wantEnabled {
				t.Errorf("IsEnabled() = %v, want %v", enc.IsEnabled(), tt.wantEnabled)
			}
		})
	}
}

func TestEncryptor_RoundTrip(t *testing.T) {
	enc := newTestEncryptor(t)

	plaintexts := []string{
		"ya29.upstream-access-token",
		"",
		"token with special characters !@#$%^&*()_+-={}[]|:;<>?,./~`",
		"token über 世界",
	}

	for _, plaintext := range plaintexts {
		sealed, err := enc.Encrypt(plaintext)
		if err != nil {
			t.Fatalf("Encrypt(%q) error = %v", plaintext, err)
		}
		if sealed == plaintext && plaintext != "" {
			t.Errorf("Encrypt(%q) returned the plaintext unchanged", plaintext)
		}
		if _, err := base64.StdEncoding.DecodeString(sealed); err != nil {
			t.Errorf("Encrypt(%q) output is not base64: %v", plaintext, err)
		}

		opened, err := enc.Decrypt(sealed)
		if err != nil {
			t.Fatalf("Decrypt() error = %v", err)
		}
		if opened != plaintext {
			t.Errorf("round trip = %q, want %q", opened, plaintext)
		}
	}
}

func TestEncryptor_NonceVariation(t *testing.T) {
	enc := newTestEncryptor(t)

	first, err := enc.Encrypt("same input")
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	second, err := enc.Encrypt("same input")
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	if first == second {
		t.Error("identical plaintexts must seal to different ciphertexts")
	}
}

func TestEncryptor_Disabled(t *testing.T) {
	enc, err := NewEncryptor(nil)
	if err != nil {
		t.Fatalf("NewEncryptor(nil) error = %v", err)
	}

	sealed, err := enc.Encrypt("pass-through")
	if err != nil || sealed != "pass-through" {
		t.Errorf("Encrypt() = %q, %v; want pass-through, nil", sealed, err)
	}
	opened, err := enc.Decrypt("pass-through")
	if err != nil || opened != "pass-through" {
		t.Errorf("Decrypt() = %q, %v; want pass-through, nil", opened, err)
	}
}

func TestEncryptor_DecryptRejectsGarbage(t *testing.T) {
	enc := newTestEncryptor(t)

	garbage := []string{
		"not-valid-base64!!!",
		base64.StdEncoding.EncodeToString([]byte("short")),
		base64.StdEncoding.EncodeToString([]byte("long enough but never sealed by this key")),
	}
	for _, input := range garbage {
		if _, err := enc.Decrypt(input); err == nil {
			t.Errorf("Decrypt(%q) should fail", input)
		}
	}
}

func TestEncryptor_DecryptWrongKey(t *testing.T) {
	sealed, err := newTestEncryptor(t).Encrypt("secret data")
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	if _, err := newTestEncryptor(t).Decrypt(sealed); err == nil {
		t.Error("Decrypt() under a different key should fail")
	}
}

func TestKeyBase64RoundTrip(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}

	decoded, err := KeyFromBase64(KeyToBase64(key))
	if err != nil {
		t.Fatalf("KeyFromBase64() error = %v", err)
	}
	if !bytes.Equal(decoded, key) {
		t.Error("base64 round trip altered the key")
	}
}

func TestKeyFromBase64_Invalid(t *testing.T) {
	invalid := []string{
		"not-valid-base64!!!",
		base64.StdEncoding.EncodeToString(make([]byte, 16)),
		"",
	}
	for _, encoded := range invalid {
		if _, err := KeyFromBase64(encoded); err == nil {
			t.Errorf("KeyFromBase64(%q) should fail", encoded)
		}
	}
}
