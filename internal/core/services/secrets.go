package services

import (
	"fmt"
	"strings"

	"github.com/clusterctl/commissioner/internal/domain"
	"github.com/clusterctl/commissioner/pkg/utils/crypto"
)

const sealedPrefix = "enc:"

// detailsCipher encrypts sensitive task params before they reach the task row.
// With an empty key values are stored as given.
type detailsCipher struct {
	key string
}

func (c detailsCipher) enabled() bool {
	return c.key != ""
}

func (c detailsCipher) seal(params domain.JSONB, keys []string) (domain.JSONB, error) {
	if !c.enabled() || len(keys) == 0 {
		return params, nil
	}
	out := params.Clone()
	for _, k := range keys {
		raw, ok := out[k].(string)
		if !ok || raw == "" || strings.HasPrefix(raw, sealedPrefix) {
			continue
		}
		sealed, err := crypto.Encrypt(raw, c.key)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrEncryptionFailed, k, err)
		}
		out[k] = sealedPrefix + sealed
	}
	return out, nil
}

func (c detailsCipher) open(value string) (string, error) {
	if !strings.HasPrefix(value, sealedPrefix) {
		return value, nil
	}
	if !c.enabled() {
		return "", fmt.Errorf("%w: no key configured", ErrDecryptionFailed)
	}
	plain, err := crypto.Decrypt(strings.TrimPrefix(value, sealedPrefix), c.key)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return plain, nil
}
