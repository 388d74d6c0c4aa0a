// services/vault.go - encrypted key/value store for deployment credentials
package services

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/goccy/go-yaml"
	"golang.org/x/crypto/argon2"
	"golang.org/x/term"

	"shipyard/common"
)

// ErrKeyNotFound is returned by Vault.Get for an unknown key.
var ErrKeyNotFound = errors.New("vault key not found")

// The encrypted document is a small YAML envelope around an AES-256-GCM
// ciphertext; the key is derived from the operator passphrase with argon2id.
// The passphrase lives only on the operator machine and is never written to
// the target.
type vaultEnvelope struct {
	Version int       `yaml:"version"`
	KDF     kdfParams `yaml:"kdf"`
	Nonce   string    `yaml:"nonce"`
	Data    string    `yaml:"data"`
}

type kdfParams struct {
	Name      string `yaml:"name"`
	Salt      string `yaml:"salt"`
	Time      uint32 `yaml:"time"`
	MemoryKiB uint32 `yaml:"memory_kib"`
	Threads   uint8  `yaml:"threads"`
}

const vaultVersion = 1

func defaultKDFParams() kdfParams {
	return kdfParams{Name: "argon2id", Time: 2, MemoryKiB: 64 * 1024, Threads: 4}
}

// Vault holds the decrypted secret document in memory.
type Vault struct {
	path string
	data map[string]string
}

// CreateVault initializes an empty encrypted document at path.
func CreateVault(path, passphrase string) (*Vault, error) {
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("vault already exists at %s", path)
	}
	v := &Vault{path: path, data: map[string]string{}}
	if err := v.Save(passphrase); err != nil {
		return nil, err
	}
	return v, nil
}

// OpenVault decrypts the document. A wrong passphrase and corrupt ciphertext
// are indistinguishable to GCM; both abort with a decryption error before any
// dependent operation can touch a target.
func OpenVault(path, passphrase string) (*Vault, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, common.E(common.KindPrecondition, "vault document not readable: %v", err)
	}

	var env vaultEnvelope
	if err := yaml.Unmarshal(raw, &env); err != nil {
		return nil, common.E(common.KindDecryption, "vault envelope is not valid YAML: %v", err)
	}
	if env.Version != vaultVersion {
		return nil, common.E(common.KindDecryption, "unsupported vault version %d", env.Version)
	}
	if env.KDF.Name != "argon2id" {
		return nil, common.E(common.KindDecryption, "unsupported vault KDF %q", env.KDF.Name)
	}

	salt, err := base64.StdEncoding.DecodeString(env.KDF.Salt)
	if err != nil {
		return nil, common.E(common.KindDecryption, "corrupt vault salt: %v", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(env.Nonce)
	if err != nil {
		return nil, common.E(common.KindDecryption, "corrupt vault nonce: %v", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(env.Data)
	if err != nil {
		return nil, common.E(common.KindDecryption, "corrupt vault data: %v", err)
	}

	aead, err := newAEAD(passphrase, salt, env.KDF)
	if err != nil {
		return nil, common.E(common.KindDecryption, "vault cipher init failed: %v", err)
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, common.E(common.KindDecryption, "vault decryption failed (wrong passphrase or corrupt document)")
	}

	data := map[string]string{}
	if err := yaml.Unmarshal(plaintext, &data); err != nil {
		return nil, common.E(common.KindDecryption, "vault plaintext is not a key/value map: %v", err)
	}
	return &Vault{path: path, data: data}, nil
}

// Get returns the value for key, which follows vault_<service>_<field>.
func (v *Vault) Get(key string) (string, error) {
	val, ok := v.data[key]
	if !ok {
		return "", common.Wrap(common.KindPrecondition, fmt.Errorf("%w: %q", ErrKeyNotFound, key))
	}
	return val, nil
}

// Set stores a value; Save must be called to persist it.
func (v *Vault) Set(key, value string) { v.data[key] = value }

// Keys returns all secret names, sorted.
func (v *Vault) Keys() []string {
	keys := make([]string, 0, len(v.data))
	for k := range v.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Lookup exposes the decrypted map for rendering.
func (v *Vault) Lookup() map[string]string {
	out := make(map[string]string, len(v.data))
	for k, val := range v.data {
		out[k] = val
	}
	return out
}

// Save re-encrypts with a fresh salt and nonce and writes the envelope via a
// temp file and an atomic rename, so a crash never leaves a half-rewritten
// document on disk.
func (v *Vault) Save(passphrase string) error {
	plaintext, err := yaml.Marshal(v.data)
	if err != nil {
		return err
	}

	params := defaultKDFParams()
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return err
	}
	aead, err := newAEAD(passphrase, salt, params)
	if err != nil {
		return err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return err
	}
	params.Salt = base64.StdEncoding.EncodeToString(salt)

	env := vaultEnvelope{
		Version: vaultVersion,
		KDF:     params,
		Nonce:   base64.StdEncoding.EncodeToString(nonce),
		Data:    base64.StdEncoding.EncodeToString(aead.Seal(nil, nonce, plaintext, nil)),
	}
	raw, err := yaml.Marshal(env)
	if err != nil {
		return err
	}

	tmp := v.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, v.path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// RekeyVault re-encrypts the document in place under a new passphrase.
func RekeyVault(path, oldPassphrase, newPassphrase string) error {
	v, err := OpenVault(path, oldPassphrase)
	if err != nil {
		return err
	}
	if strings.TrimSpace(newPassphrase) == "" {
		return common.E(common.KindPrecondition, "new passphrase must not be empty")
	}
	return v.Save(newPassphrase)
}

func newAEAD(passphrase string, salt []byte, params kdfParams) (cipher.AEAD, error) {
	key := argon2.IDKey([]byte(passphrase), salt, params.Time, params.MemoryKiB, params.Threads, 32)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// ReadVaultPassphrase loads the passphrase from the configured pass file, or
// prompts on a terminal when the file is absent.
func ReadVaultPassphrase(cfg common.Config) (string, error) {
	if b, err := os.ReadFile(cfg.VaultPassFile); err == nil {
		pass := strings.TrimSpace(string(b))
		if pass == "" {
			return "", common.E(common.KindPrecondition, "vault pass file %s is empty", cfg.VaultPassFile)
		}
		return pass, nil
	}

	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return "", common.E(common.KindPrecondition, "vault pass file %s missing and stdin is not a terminal", cfg.VaultPassFile)
	}
	fmt.Fprint(os.Stderr, "Vault passphrase: ")
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	pass := strings.TrimSpace(string(b))
	if pass == "" {
		return "", common.E(common.KindPrecondition, "empty passphrase")
	}
	return pass, nil
}
