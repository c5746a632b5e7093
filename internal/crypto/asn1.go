package crypto

import (
	"crypto/rsa"
	encasn1 "encoding/asn1"
	"fmt"
	"math/big"

	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/cryptobyte/asn1"
)

var oidRSAEncryption = encasn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 1}

// MalformedKeyError reports a decrypted key blob that is not a DER RSA
// private key. After a passphrase-derived decryption this almost always
// means the passphrase was wrong.
type MalformedKeyError struct {
	Reason string
}

func (e *MalformedKeyError) Error() string {
	return "malformed private key: " + e.Reason
}

func malformed(format string, args ...interface{}) error {
	return &MalformedKeyError{Reason: fmt.Sprintf(format, args...)}
}

// KeyComponents are the integers of a PKCS#1 RSAPrivateKey in wire order.
type KeyComponents struct {
	N, E, D     *big.Int
	P, Q        *big.Int
	DP, DQ      *big.Int
	Coefficient *big.Int
}

// ParsePrivateKey reads an RSA private key from a decrypted blob. The blob
// may be a PKCS#8 PrivateKeyInfo wrapping the key or a bare PKCS#1
// RSAPrivateKey. Bytes after the outer SEQUENCE are ignored, since the
// blob still carries its cipher padding.
func ParsePrivateKey(der []byte) (*rsa.PrivateKey, *KeyComponents, error) {
	input := cryptobyte.String(der)

	var outer cryptobyte.String
	if !input.ReadASN1(&outer, asn1.SEQUENCE) {
		return nil, nil, malformed("missing top-level SEQUENCE")
	}

	body := outer
	var version int64
	if !outer.ReadASN1Integer(&version) {
		return nil, nil, malformed("missing version INTEGER")
	}

	var inner cryptobyte.String
	if outer.PeekASN1Tag(asn1.SEQUENCE) {
		// PrivateKeyInfo: version, AlgorithmIdentifier, OCTET STRING.
		if version != 0 {
			return nil, nil, malformed("unsupported PKCS#8 version %d", version)
		}

		var algo cryptobyte.String
		var oid encasn1.ObjectIdentifier
		if !outer.ReadASN1(&algo, asn1.SEQUENCE) || !algo.ReadASN1ObjectIdentifier(&oid) {
			return nil, nil, malformed("bad AlgorithmIdentifier")
		}
		if !oid.Equal(oidRSAEncryption) {
			return nil, nil, malformed("unexpected key algorithm %s", oid)
		}

		var octets cryptobyte.String
		if !outer.ReadASN1(&octets, asn1.OCTET_STRING) {
			return nil, nil, malformed("missing key OCTET STRING")
		}
		if !octets.ReadASN1(&inner, asn1.SEQUENCE) {
			return nil, nil, malformed("missing RSAPrivateKey SEQUENCE")
		}
	} else {
		inner = body
	}

	comps, err := parsePKCS1(inner)
	if err != nil {
		return nil, nil, err
	}

	key, err := comps.PrivateKey()
	if err != nil {
		return nil, nil, err
	}

	return key, comps, nil
}

// parsePKCS1 walks the contents of an RSAPrivateKey SEQUENCE.
func parsePKCS1(s cryptobyte.String) (*KeyComponents, error) {
	var version int64
	if !s.ReadASN1Integer(&version) {
		return nil, malformed("missing RSAPrivateKey version")
	}
	if version != 0 {
		return nil, malformed("RSAPrivateKey version %d, want 0", version)
	}

	comps := &KeyComponents{}
	fields := []struct {
		name string
		dst  **big.Int
	}{
		{"modulus", &comps.N},
		{"publicExponent", &comps.E},
		{"privateExponent", &comps.D},
		{"prime1", &comps.P},
		{"prime2", &comps.Q},
		{"exponent1", &comps.DP},
		{"exponent2", &comps.DQ},
		{"coefficient", &comps.Coefficient},
	}

	for _, f := range fields {
		v := new(big.Int)
		if !s.ReadASN1Integer(v) {
			return nil, malformed("bad %s INTEGER", f.name)
		}
		if v.Sign() <= 0 {
			return nil, malformed("%s is not positive", f.name)
		}
		*f.dst = v
	}

	return comps, nil
}

// PrivateKey builds and validates an rsa.PrivateKey from the components.
func (k *KeyComponents) PrivateKey() (*rsa.PrivateKey, error) {
	if !k.E.IsInt64() || k.E.Int64() > 1<<31-1 {
		return nil, malformed("public exponent out of range")
	}

	key := &rsa.PrivateKey{
		PublicKey: rsa.PublicKey{
			N: k.N,
			E: int(k.E.Int64()),
		},
		D:      k.D,
		Primes: []*big.Int{k.P, k.Q},
	}

	if err := key.Validate(); err != nil {
		return nil, malformed("inconsistent key: %v", err)
	}
	key.Precompute()

	return key, nil
}
