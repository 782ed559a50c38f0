package storage

import (
	"fmt"

	"golang.org/x/oauth2"

	"github.com/relayhq/agent-oauth/security"
)

// KnownExtraFields is the allowlist of extra fields carried through storage.
// They live in oauth2.Token's private raw field and matter for
// upstream-backed grants. Anything not on this list is dropped, so an
// upstream cannot smuggle arbitrary data into stored tokens.
var KnownExtraFields = []string{
	"id_token",   // upstream OIDC ID token, encrypted at rest
	"scope",      // granted scopes (may differ from requested)
	"expires_in", // redundant with Expiry but some providers include it
}

// SensitiveExtraFields names the extra fields encrypted at rest. The
// id_token is a signed JWT carrying identity claims (email, name, sub);
// it cannot be replayed for impersonation but it is PII.
var SensitiveExtraFields = []string{"id_token"}

// ExtractTokenExtra pulls the allowlisted extra fields out of an
// oauth2.Token. Token.Extra is the only access to the private raw field.
// Returns nil when the token is nil or carries none of the known fields.
func ExtractTokenExtra(token *oauth2.Token) map[string]interface{} {
	if token == nil {
		return nil
	}

	extra := make(map[string]interface{}, len(KnownExtraFields))
	for _, field := range KnownExtraFields {
		if v := token.Extra(field); v != nil {
			extra[field] = v
		}
	}
	if len(extra) == 0 {
		return nil
	}
	return extra
}

// EncryptExtraFields returns a copy of extra with the sensitive fields
// encrypted. A nil or disabled encryptor returns the map unchanged.
func EncryptExtraFields(extra map[string]interface{}, encryptor *security.Encryptor) (map[string]interface{}, error) {
	return transformExtraFields(extra, encryptor, func(value string) (string, error) {
		return encryptor.Encrypt(value)
	})
}

// DecryptExtraFields is the inverse of EncryptExtraFields.
func DecryptExtraFields(extra map[string]interface{}, encryptor *security.Encryptor) (map[string]interface{}, error) {
	return transformExtraFields(extra, encryptor, func(value string) (string, error) {
		return encryptor.Decrypt(value)
	})
}

func transformExtraFields(extra map[string]interface{}, encryptor *security.Encryptor, transform func(string) (string, error)) (map[string]interface{}, error) {
	if extra == nil {
		return nil, nil
	}
	if encryptor == nil || !encryptor.IsEnabled() {
		return extra, nil
	}

	sensitiveSet := make(map[string]bool, len(SensitiveExtraFields))
	for _, field := range SensitiveExtraFields {
		sensitiveSet[field] = true
	}

	result := make(map[string]interface{}, len(extra))
	for key, value := range extra {
		strVal, isString := value.(string)
		if !sensitiveSet[key] || !isString || strVal == "" {
			result[key] = value
			continue
		}

		transformed, err := transform(strVal)
		if err != nil {
			return nil, fmt.Errorf("failed to transform extra field %s: %w", key, err)
		}
		result[key] = transformed
	}
	return result, nil
}
