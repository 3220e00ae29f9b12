package validation

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
)

// ErrSignatureInvalid is returned when no trusted key verifies a signature
var ErrSignatureInvalid = errors.New("signature verification failed")

// ParsePublicKey parses one ASCII-armored public key block
func ParsePublicKey(keyArmored string) (openpgp.EntityList, error) {
	if !strings.Contains(keyArmored, "-----BEGIN PGP PUBLIC KEY BLOCK-----") {
		return nil, fmt.Errorf("invalid public key: missing BEGIN marker")
	}
	keyring, err := openpgp.ReadArmoredKeyRing(strings.NewReader(keyArmored))
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	return keyring, nil
}

// LoadKeyring reads the armored public keys at paths into one keyring
func LoadKeyring(paths []string) (openpgp.EntityList, error) {
	var keyring openpgp.EntityList
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("failed to read signing key %s: %w", p, err)
		}
		entities, err := ParsePublicKey(string(data))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", p, err)
		}
		keyring = append(keyring, entities...)
	}
	return keyring, nil
}

// VerifyDetachedSignature checks an armored or binary detached signature over
// data and returns the signer's fingerprint in upper-case hex.
func VerifyDetachedSignature(keyring openpgp.EntityList, data io.Reader, signature []byte) (string, error) {
	if len(signature) == 0 {
		return "", fmt.Errorf("%w: signature is empty", ErrSignatureInvalid)
	}
	if len(keyring) == 0 {
		return "", fmt.Errorf("%w: no trusted keys configured", ErrSignatureInvalid)
	}

	sig := signature
	if block, err := armor.Decode(bytes.NewReader(signature)); err == nil {
		raw, err := io.ReadAll(block.Body)
		if err != nil {
			return "", fmt.Errorf("failed to read armored signature: %w", err)
		}
		sig = raw
	}

	signer, err := openpgp.CheckDetachedSignature(keyring, data, bytes.NewReader(sig), nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	return fmt.Sprintf("%X", signer.PrimaryKey.Fingerprint), nil
}
