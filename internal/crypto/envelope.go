package crypto

import (
	"context"
	"crypto/rsa"
	"fmt"
)

// UnwrapPrivateKey derives the passphrase key and decrypts the private key
// blob with it. A wrong passphrase surfaces as *MalformedKeyError.
func UnwrapPrivateKey(ctx context.Context, p Provider, passphrase, salt, iv, keyData []byte) (*rsa.PrivateKey, error) {
	derived, err := p.DeriveKey(ctx, passphrase, salt, PrivateKeyIterations, PrivateKeyLength)
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}

	blob, err := p.DecryptAES(derived, iv, keyData)
	if err != nil {
		return nil, fmt.Errorf("decrypt private key: %w", err)
	}

	key, _, err := ParsePrivateKey(blob)
	if err != nil {
		return nil, err
	}

	return key, nil
}

// UnwrapSymmetricKey decrypts a wrapped symmetric key with the private key.
func UnwrapSymmetricKey(p Provider, priv *rsa.PrivateKey, wrapped []byte) ([]byte, error) {
	raw, err := p.DecryptRSA(priv, wrapped)
	if err != nil {
		return nil, fmt.Errorf("unwrap symmetric key: %w", err)
	}
	return Intify(raw), nil
}

// DecryptPayload decrypts a record payload and cleans it up per mode.
func DecryptPayload(p Provider, key, iv, ciphertext []byte, mode CleanupMode) ([]byte, error) {
	plain, err := p.DecryptAES(key, iv, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decrypt payload: %w", err)
	}

	switch mode {
	case CleanupUTF8:
		return repairUTF8(unpadPKCS7(plain))
	default:
		return Clearify(plain), nil
	}
}
