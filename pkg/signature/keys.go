package signature

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"strings"
)

// ParsePrivateKey accepts PEM (PKCS#8 or PKCS#1) or base64 raw ed25519 key
// material (32-byte seed or 64-byte private key). Literal "\n" sequences
// are expanded so keys pasted into a single environment variable work.
func ParsePrivateKey(material string) (crypto.Signer, error) {
	s := normalizeKeyMaterial(material)
	if s == "" {
		return nil, ErrMissingKey
	}
	if strings.Contains(s, "-----BEGIN") {
		block, _ := pem.Decode([]byte(s))
		if block == nil {
			return nil, fmt.Errorf("%w: pem block not found", ErrInvalidEncoding)
		}
		switch block.Type {
		case "PRIVATE KEY":
			key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidEncoding, err)
			}
			signer, ok := key.(crypto.Signer)
			if !ok {
				return nil, ErrUnsupportedAlgorithm
			}
			if _, err := AlgorithmFor(signer); err != nil {
				return nil, err
			}
			return signer, nil
		case "RSA PRIVATE KEY":
			key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidEncoding, err)
			}
			return key, nil
		default:
			return nil, fmt.Errorf("%w: pem type %s", ErrUnsupportedAlgorithm, block.Type)
		}
	}
	raw, err := decodeBase64Compat(s)
	if err != nil {
		return nil, err
	}
	switch len(raw) {
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(raw), nil
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(raw), nil
	}
	if key, err := x509.ParsePKCS8PrivateKey(raw); err == nil {
		if signer, ok := key.(crypto.Signer); ok {
			if _, err := AlgorithmFor(signer); err == nil {
				return signer, nil
			}
		}
	}
	return nil, fmt.Errorf("%w: unexpected key length %d", ErrInvalidEncoding, len(raw))
}

// ParsePublicKey accepts PEM (PKIX or PKCS#1), base64 DER PKIX, or base64
// raw 32-byte ed25519 public keys.
func ParsePublicKey(material string) (crypto.PublicKey, error) {
	s := normalizeKeyMaterial(material)
	if s == "" {
		return nil, ErrMissingKey
	}
	var der []byte
	if strings.Contains(s, "-----BEGIN") {
		block, _ := pem.Decode([]byte(s))
		if block == nil {
			return nil, fmt.Errorf("%w: pem block not found", ErrInvalidEncoding)
		}
		if block.Type == "RSA PUBLIC KEY" {
			key, err := x509.ParsePKCS1PublicKey(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidEncoding, err)
			}
			return key, nil
		}
		der = block.Bytes
	} else {
		raw, err := decodeBase64Compat(s)
		if err != nil {
			return nil, err
		}
		if len(raw) == ed25519.PublicKeySize {
			return ed25519.PublicKey(raw), nil
		}
		der = raw
	}
	key, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEncoding, err)
	}
	if _, err := AlgorithmFor(key); err != nil {
		return nil, err
	}
	return key, nil
}

// AlgorithmFor names the header algorithm implied by a key's type.
func AlgorithmFor(key any) (string, error) {
	switch key.(type) {
	case ed25519.PrivateKey, ed25519.PublicKey, *ed25519.PrivateKey, *ed25519.PublicKey:
		return AlgorithmEd25519, nil
	case *rsa.PrivateKey, *rsa.PublicKey:
		return AlgorithmRSASHA256, nil
	default:
		return "", fmt.Errorf("%w: key type %T", ErrUnsupportedAlgorithm, key)
	}
}

// CheckAlgorithm fails when the configured algorithm disagrees with the key.
func CheckAlgorithm(key any, algorithm string) error {
	alg := strings.ToLower(strings.TrimSpace(algorithm))
	if alg != AlgorithmEd25519 && alg != AlgorithmRSASHA256 {
		return fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, algorithm)
	}
	actual, err := AlgorithmFor(key)
	if err != nil {
		return err
	}
	if actual != alg {
		return fmt.Errorf("%w: configured %s, key is %s", ErrAlgorithmMismatch, alg, actual)
	}
	return nil
}

func normalizeKeyMaterial(in string) string {
	return strings.TrimSpace(strings.ReplaceAll(in, `\n`, "\n"))
}

func decodeBase64Compat(s string) ([]byte, error) {
	s = strings.Join(strings.Fields(s), "")
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	if b, err := base64.RawStdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	if b, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "=")); err == nil {
		return b, nil
	}
	return nil, ErrInvalidEncoding
}
