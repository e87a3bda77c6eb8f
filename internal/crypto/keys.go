package crypto

import (
	"errors"
	"fmt"
	"strings"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

const (
	// KeyPrefix marks every credential issued by the commons.
	KeyPrefix = "amcp_"
	// KeySuffixLength is the number of random characters after the prefix.
	KeySuffixLength = 32

	keyAlphabet = "useandom-26T198340PX75pxJACKVERYMINDBUSHWOLF_GQZbfghjklqvwyzrict"
)

var ErrInvalidKey = errors.New("invalid credential key")

// GenerateKey returns a new credential key: the fixed prefix followed by
// KeySuffixLength characters drawn uniformly from a 64-symbol alphabet.
func GenerateKey() (string, error) {
	suffix, err := gonanoid.Generate(keyAlphabet, KeySuffixLength)
	if err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	return KeyPrefix + suffix, nil
}

// ValidateKeyFormat performs the cheap structural check on a presented key.
// It never touches storage.
func ValidateKeyFormat(key string) error {
	if !strings.HasPrefix(key, KeyPrefix) {
		return fmt.Errorf("%w: missing %q prefix", ErrInvalidKey, KeyPrefix)
	}
	if len(key) != len(KeyPrefix)+KeySuffixLength {
		return fmt.Errorf("%w: must be %d characters, got %d", ErrInvalidKey, len(KeyPrefix)+KeySuffixLength, len(key))
	}
	for i := len(KeyPrefix); i < len(key); i++ {
		if strings.IndexByte(keyAlphabet, key[i]) < 0 {
			return fmt.Errorf("%w: unexpected character at position %d", ErrInvalidKey, i)
		}
	}
	return nil
}
