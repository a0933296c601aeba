// Package wallet implements the custodial key vault: authenticated symmetric
// encryption of private key material and generation of new settlement keypairs.
package wallet

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/hex"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
	"github.com/vadiminshakov/remit/internal/domain"
	"go.uber.org/zap"
)

const (
	keySize = 32
	ivSize  = 16
	tagSize = 16
)

// WalletInfo is a freshly generated keypair. Only the address leaves the
// vault in the clear.
type WalletInfo struct {
	Address             string
	EncryptedPrivateKey string
}

// Vault encrypts and decrypts custodial private key material with AES-256-GCM.
// Every encryption draws a fresh random IV, so the same secret never produces
// the same ciphertext twice.
type Vault struct {
	key    []byte
	logger *zap.Logger
}

// NewVault builds a vault from a 64-hex-character (32 byte) key.
func NewVault(hexKey string, logger *zap.Logger) (*Vault, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(hexKey) != keySize*2 {
		return nil, domain.ErrMissingEncryptionKey
	}
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, domain.ErrMissingEncryptionKey
	}
	return &Vault{key: key, logger: logger}, nil
}

// Encrypt seals the secret and returns hex(iv || tag || ciphertext).
func (v *Vault) Encrypt(secret string) (string, error) {
	aead, err := v.aead()
	if err != nil {
		return "", err
	}

	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return "", errors.Wrap(err, "generate iv")
	}

	sealed := aead.Seal(nil, iv, []byte(secret), nil)
	ciphertext := sealed[:len(sealed)-tagSize]
	tag := sealed[len(sealed)-tagSize:]

	return hex.EncodeToString(iv) + hex.EncodeToString(tag) + hex.EncodeToString(ciphertext), nil
}

// Decrypt opens ciphertext produced by Encrypt. Malformed input or a failed
// authentication tag check returns an error, never garbage plaintext.
func (v *Vault) Decrypt(encrypted string) (string, error) {
	aead, err := v.aead()
	if err != nil {
		return "", err
	}

	raw, err := hex.DecodeString(encrypted)
	if err != nil || len(raw) < ivSize+tagSize {
		return "", domain.ErrDecryptionFailed
	}

	iv := raw[:ivSize]
	tag := raw[ivSize : ivSize+tagSize]
	ciphertext := raw[ivSize+tagSize:]

	plaintext, err := aead.Open(nil, iv, append(ciphertext, tag...), nil)
	if err != nil {
		return "", domain.ErrDecryptionFailed
	}
	return string(plaintext), nil
}

// GenerateWallet creates a random secp256k1 keypair and returns the address
// together with the encrypted private key. The cleartext key never leaves
// this function.
func (v *Vault) GenerateWallet() (WalletInfo, error) {
	priv, err := crypto.GenerateKey()
	if err != nil {
		return WalletInfo{}, errors.Wrap(err, "generate keypair")
	}

	address := crypto.PubkeyToAddress(priv.PublicKey).Hex()
	encrypted, err := v.Encrypt(hexutil.Encode(crypto.FromECDSA(priv)))
	if err != nil {
		return WalletInfo{}, errors.Wrap(err, "encrypt private key")
	}

	v.logger.Info("new wallet generated", zap.String("address", address))

	return WalletInfo{Address: address, EncryptedPrivateKey: encrypted}, nil
}

// PrivateKey decrypts key material and parses it for signing.
func (v *Vault) PrivateKey(encrypted string) (*ecdsa.PrivateKey, error) {
	hexKey, err := v.Decrypt(encrypted)
	if err != nil {
		return nil, err
	}
	return ParsePrivateKey(hexKey)
}

// ParsePrivateKey parses a hex-encoded secp256k1 private key, with or without
// the 0x prefix.
func ParsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	hexKey = strings.TrimPrefix(strings.TrimPrefix(hexKey, "0x"), "0X")
	priv, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, errors.Wrap(err, "parse private key")
	}
	return priv, nil
}

// IsValidAddress reports whether s is a well-formed settlement address.
func IsValidAddress(s string) bool {
	return common.IsHexAddress(s)
}

func (v *Vault) aead() (cipher.AEAD, error) {
	block, err := aes.NewCipher(v.key)
	if err != nil {
		return nil, domain.ErrMissingEncryptionKey
	}
	aead, err := cipher.NewGCMWithNonceSize(block, ivSize)
	if err != nil {
		return nil, errors.Wrap(err, "init gcm")
	}
	return aead, nil
}
