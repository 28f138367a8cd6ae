package vault

import (
	"context"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"giftwatch/internal/storage"
	logx "giftwatch/pkg/logx"
)

// Storage keys reserved by the vault. The master key and salt live next to
// the values they protect; this guards against casual inspection of the
// stored bytes, not against an attacker with full filesystem access.
const (
	masterKeyKey = "vault.master_key"
	saltKey      = "vault.salt"
	valuePrefix  = "vault.v."
)

const (
	keyLen  = 32
	saltLen = 16

	// Value format versions.
	verLegacyXOR = 0x00 // HMAC(salt, key) keystream XOR, no authentication
	verAEAD      = 0x01 // chacha20poly1305, nonce-prefixed
)

var errNotProvisioned = errors.New("vault not provisioned")

// Vault is an encrypted key/value facade over the storage layer.
//
// Contract:
//   - Get returns ok=false for missing, corrupt, or undecryptable values;
//     callers never need to distinguish those cases.
//   - The key/salt pair is provisioned lazily on first use; provisioning is
//     idempotent and safe under concurrent first access.
//
// Values are sealed with chacha20poly1305 (key via HKDF-SHA256 over the
// provisioned master key and salt). Values written by the legacy XOR stream
// scheme are still readable; that scheme is reversible obfuscation only and
// is never used for new writes.
type Vault struct {
	store storage.Store
	log   logx.Logger

	mu     sync.Mutex
	aead   cipher.AEAD
	master []byte
	salt   []byte
}

func New(store storage.Store, log logx.Logger) *Vault {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Vault{store: store, log: log}
}

// Put seals plaintext and persists it under key.
func (v *Vault) Put(ctx context.Context, key string, plaintext []byte) error {
	if key == "" {
		return errors.New("vault: empty key")
	}
	aead, _, err := v.provision(ctx)
	if err != nil {
		return err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return err
	}
	sealed := aead.Seal(nil, nonce, plaintext, []byte(key))

	buf := make([]byte, 0, 1+len(nonce)+len(sealed))
	buf = append(buf, verAEAD)
	buf = append(buf, nonce...)
	buf = append(buf, sealed...)
	return v.store.PutValue(ctx, valuePrefix+key, buf)
}

// Get opens the value stored under key. Missing, corrupt and undecryptable
// values all read as absent.
func (v *Vault) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if key == "" || v.store == nil {
		return nil, false, nil
	}
	raw, ok, err := v.store.GetValue(ctx, valuePrefix+key)
	if err != nil {
		return nil, false, err
	}
	if !ok || len(raw) == 0 {
		return nil, false, nil
	}

	aead, keystream, err := v.provision(ctx)
	if err != nil {
		return nil, false, err
	}

	switch raw[0] {
	case verAEAD:
		body := raw[1:]
		ns := aead.NonceSize()
		if len(body) < ns {
			return nil, false, nil
		}
		pt, err := aead.Open(nil, body[:ns], body[ns:], []byte(key))
		if err != nil {
			v.log.Warn("vault value failed authentication; treating as absent", logx.String("key", key))
			return nil, false, nil
		}
		return pt, true, nil
	case verLegacyXOR:
		// No authentication tag; corruption in this format is undetectable.
		// New writes always use the AEAD format.
		return XORKeystream(keystream, raw[1:]), true, nil
	default:
		return nil, false, nil
	}
}

// Remove deletes the value stored under key.
func (v *Vault) Remove(ctx context.Context, key string) error {
	if key == "" || v.store == nil {
		return nil
	}
	return v.store.DeleteValue(ctx, valuePrefix+key)
}

// ClearAll removes every vault value but keeps the key/salt pair so
// subsequent writes don't re-provision.
func (v *Vault) ClearAll(ctx context.Context) error {
	if v.store == nil {
		return nil
	}
	return v.store.DeletePrefix(ctx, valuePrefix)
}

// provision loads or creates the master key and salt, then derives the AEAD
// and the legacy keystream digest. Safe for concurrent first use.
func (v *Vault) provision(ctx context.Context) (cipher.AEAD, []byte, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.aead != nil {
		return v.aead, v.legacyDigestLocked(), nil
	}
	if v.store == nil {
		return nil, nil, errNotProvisioned
	}

	master, ok, err := v.store.GetValue(ctx, masterKeyKey)
	if err != nil {
		return nil, nil, err
	}
	if !ok || len(master) != keyLen {
		master = make([]byte, keyLen)
		if _, err := io.ReadFull(rand.Reader, master); err != nil {
			return nil, nil, err
		}
		if err := v.store.PutValue(ctx, masterKeyKey, master); err != nil {
			return nil, nil, err
		}
	}

	salt, ok, err := v.store.GetValue(ctx, saltKey)
	if err != nil {
		return nil, nil, err
	}
	if !ok || len(salt) != saltLen {
		salt = make([]byte, saltLen)
		if _, err := io.ReadFull(rand.Reader, salt); err != nil {
			return nil, nil, err
		}
		if err := v.store.PutValue(ctx, saltKey, salt); err != nil {
			return nil, nil, err
		}
	}

	derived := make([]byte, chacha20poly1305.KeySize)
	kdf := hkdf.New(sha256.New, master, salt, []byte("giftwatch vault v1"))
	if _, err := io.ReadFull(kdf, derived); err != nil {
		return nil, nil, err
	}
	aead, err := chacha20poly1305.New(derived)
	if err != nil {
		return nil, nil, err
	}

	v.aead = aead
	v.master = master
	v.salt = salt
	return aead, v.legacyDigestLocked(), nil
}

func (v *Vault) legacyDigestLocked() []byte {
	mac := hmac.New(sha256.New, v.salt)
	mac.Write(v.master)
	return mac.Sum(nil)
}

// XORKeystream XORs data against the digest repeated to length.
//
// This is the reversible obfuscation scheme shared with the backend's
// bot-token wire format: keystream = digest repeated/truncated to the data
// length. It provides no integrity and only casual confidentiality.
func XORKeystream(digest, data []byte) []byte {
	if len(digest) == 0 {
		return append([]byte(nil), data...)
	}
	out := make([]byte, len(data))
	for i := range data {
		out[i] = data[i] ^ digest[i%len(digest)]
	}
	return out
}
