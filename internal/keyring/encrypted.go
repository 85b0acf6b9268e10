package keyring

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/argon2"
)

type sealedPayload struct {
	Salt       string `json:"salt"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// EncryptedStore seals the same JSON collection the FileStore writes,
// using an argon2id-derived AES-GCM key. Use it when the keyring file
// lives somewhere less trusted than the 0700 data dir.
type EncryptedStore struct {
	path       string
	passphrase []byte
}

func NewEncryptedStore(opts Options) (*EncryptedStore, error) {
	path := strings.TrimSpace(opts.Path)
	if path == "" {
		return nil, errors.New("keyring file path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create keyring dir: %w", err)
	}
	pass := strings.TrimSpace(opts.Passphrase)
	if pass == "" {
		pass = strings.TrimSpace(os.Getenv("PROMPTDESK_KEYRING_PASSPHRASE"))
	}
	if pass == "" {
		return nil, errors.New("PROMPTDESK_KEYRING_PASSPHRASE is required for encrypted keyring")
	}
	return &EncryptedStore{path: path, passphrase: []byte(pass)}, nil
}

func (s *EncryptedStore) Load() ([]Credential, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			seeded := seedFromEnv()
			if len(seeded) == 0 {
				return []Credential{}, nil
			}
			if saveErr := s.Save(seeded); saveErr != nil {
				return []Credential{}, saveErr
			}
			return seeded, nil
		}
		return []Credential{}, fmt.Errorf("%w: read %s: %v", ErrPersistence, s.path, err)
	}
	if len(data) == 0 {
		return []Credential{}, nil
	}
	var payload sealedPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return []Credential{}, fmt.Errorf("%w: decode sealed payload: %v", ErrPersistence, err)
	}
	salt, err := base64.StdEncoding.DecodeString(payload.Salt)
	if err != nil {
		return []Credential{}, fmt.Errorf("%w: decode salt: %v", ErrPersistence, err)
	}
	nonce, err := base64.StdEncoding.DecodeString(payload.Nonce)
	if err != nil {
		return []Credential{}, fmt.Errorf("%w: decode nonce: %v", ErrPersistence, err)
	}
	cipherText, err := base64.StdEncoding.DecodeString(payload.Ciphertext)
	if err != nil {
		return []Credential{}, fmt.Errorf("%w: decode ciphertext: %v", ErrPersistence, err)
	}
	plain, err := unseal(s.passphrase, salt, nonce, cipherText)
	if err != nil {
		return []Credential{}, fmt.Errorf("%w: decrypt keyring: %v", ErrPersistence, err)
	}
	return decodeCollection(plain, s.path)
}

func (s *EncryptedStore) Save(creds []Credential) error {
	plain, err := encodeCollection(creds)
	if err != nil {
		return err
	}
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return fmt.Errorf("%w: create salt: %v", ErrPersistence, err)
	}
	nonce := make([]byte, 12)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return fmt.Errorf("%w: create nonce: %v", ErrPersistence, err)
	}
	cipherText, err := seal(s.passphrase, salt, nonce, plain)
	if err != nil {
		return fmt.Errorf("%w: encrypt keyring: %v", ErrPersistence, err)
	}
	payload := sealedPayload{
		Salt:       base64.StdEncoding.EncodeToString(salt),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(cipherText),
	}
	out, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%w: marshal sealed payload: %v", ErrPersistence, err)
	}
	return writeFileAtomic(s.path, out)
}

func deriveKey(passphrase, salt []byte) []byte {
	return argon2.IDKey(passphrase, salt, 1, 64*1024, 4, 32)
}

func seal(passphrase, salt, nonce, plain []byte) ([]byte, error) {
	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return nil, err
	}
	return gcm.Seal(nil, nonce, plain, nil), nil
}

func unseal(passphrase, salt, nonce, cipherText []byte) ([]byte, error) {
	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return nil, err
	}
	return gcm.Open(nil, nonce, cipherText, nil)
}

func newGCM(passphrase, salt []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(deriveKey(passphrase, salt))
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
