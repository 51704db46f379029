package keydir

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/ssh"
)

const DefaultKeyBits = 2048

var ErrKeyPairMismatch = errors.New("public key does not match the signing key")

// CheckPublicKeyFile confirms that the public key at path belongs to key. A missing
// file is reported as an error wrapping fs.ErrNotExist.
func CheckPublicKeyFile(path string, key *rsa.PrivateKey) error {
	pub, err := LoadPublicKey(path)
	if err != nil {
		return err
	}
	if !pub.Equal(&key.PublicKey) {
		return fmt.Errorf("%w: %s", ErrKeyPairMismatch, path)
	}
	return nil
}

// LoadPrivateKey reads an RSA private key in PKCS#1, PKCS#8, legacy encrypted PEM or
// OpenSSH format. The passphrase is only used when the key is encrypted.
func LoadPrivateKey(path, passphrase string) (*rsa.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load private key: %w", err)
	}
	return ParsePrivateKey(raw, passphrase)
}

func ParsePrivateKey(pemBytes []byte, passphrase string) (*rsa.PrivateKey, error) {
	parsed, err := ssh.ParseRawPrivateKey(pemBytes)
	var missing *ssh.PassphraseMissingError
	if errors.As(err, &missing) {
		if passphrase == "" {
			return nil, errors.New("private key is encrypted and no passphrase was configured")
		}
		parsed, err = ssh.ParseRawPrivateKeyWithPassphrase(pemBytes, []byte(passphrase))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is %T, expected RSA", parsed)
	}
	return key, nil
}

// LoadPublicKey reads a PKIX or PKCS#1 PEM public key.
func LoadPublicKey(path string) (*rsa.PublicKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load public key: %w", err)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, errors.New("public key file is not PEM encoded")
	}

	switch block.Type {
	case "RSA PUBLIC KEY":
		return x509.ParsePKCS1PublicKey(block.Bytes)
	default:
		parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse public key: %w", err)
		}
		pub, ok := parsed.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("public key is %T, expected RSA", parsed)
		}
		return pub, nil
	}
}

// GenerateKeyFiles creates a fresh key pair. With a passphrase the private key is
// written in encrypted OpenSSH format.
func GenerateKeyFiles(privatePath, publicPath, passphrase string, bits int) (*rsa.PrivateKey, error) {
	if bits <= 0 {
		bits = DefaultKeyBits
	}
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}

	var privBlock *pem.Block
	if passphrase != "" {
		privBlock, err = ssh.MarshalPrivateKeyWithPassphrase(key, "settlement-signing-key", []byte(passphrase))
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt private key: %w", err)
		}
	} else {
		privBlock = &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}
	}

	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to encode public key: %w", err)
	}

	if err := writePEM(privatePath, privBlock, 0o600); err != nil {
		return nil, err
	}
	if err := writePEM(publicPath, &pem.Block{Type: "PUBLIC KEY", Bytes: pubDER}, 0o644); err != nil {
		return nil, err
	}
	return key, nil
}

func writePEM(path string, block *pem.Block, mode os.FileMode) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("failed to create key directory: %w", err)
		}
	}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), mode); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
