package signing

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"filippo.io/age"
	"golang.org/x/crypto/openpgp"
	"golang.org/x/crypto/openpgp/armor"
	"golang.org/x/crypto/openpgp/packet"

	dfs "debpub/internal/fs"
)

// KeyStore keeps an archive signing key on disk. The public key is stored
// armored in plaintext so it can be published; the private key is armored
// and then encrypted with age's scrypt passphrase recipient.
type KeyStore struct {
	publicKeyPath  string
	privateKeyPath string
}

// NewKeyStore returns a KeyStore for the given paths.
func NewKeyStore(publicKeyPath, privateKeyPath string) *KeyStore {
	return &KeyStore{publicKeyPath: publicKeyPath, privateKeyPath: privateKeyPath}
}

// KeyOptions controls key generation.
type KeyOptions struct {
	Name    string
	Comment string
	Email   string
	RSABits int // 0 uses the library default
}

// Setup generates a new OpenPGP key, writes the armored public key, and
// stores the private key encrypted with passphrase.
func (k *KeyStore) Setup(opts KeyOptions, passphrase string) (*openpgp.Entity, error) {
	if passphrase == "" {
		return nil, errors.New("passphrase must not be empty")
	}
	entity, err := openpgp.NewEntity(opts.Name, opts.Comment, opts.Email, &packet.Config{RSABits: opts.RSABits})
	if err != nil {
		return nil, fmt.Errorf("generating key: %w", err)
	}

	var pub bytes.Buffer
	if err := writeArmored(&pub, openpgp.PublicKeyType, entity.Serialize); err != nil {
		return nil, fmt.Errorf("serializing public key: %w", err)
	}
	var priv bytes.Buffer
	err = writeArmored(&priv, openpgp.PrivateKeyType, func(w io.Writer) error {
		return entity.SerializePrivate(w, nil)
	})
	if err != nil {
		return nil, fmt.Errorf("serializing private key: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(k.privateKeyPath), 0700); err != nil {
		return nil, fmt.Errorf("creating private key directory: %w", err)
	}
	if _, err := dfs.WriteAtomic(k.publicKeyPath, &pub); err != nil {
		return nil, fmt.Errorf("writing public key: %w", err)
	}

	privFile, err := os.OpenFile(k.privateKeyPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return nil, fmt.Errorf("creating private key file: %w", err)
	}
	defer privFile.Close()

	recipient, err := age.NewScryptRecipient(passphrase)
	if err != nil {
		return nil, fmt.Errorf("creating scrypt recipient: %w", err)
	}
	w, err := age.Encrypt(privFile, recipient)
	if err != nil {
		return nil, fmt.Errorf("creating encrypted writer: %w", err)
	}
	if _, err := io.Copy(w, &priv); err != nil {
		return nil, fmt.Errorf("writing encrypted private key: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("finalizing encrypted private key: %w", err)
	}
	return entity, nil
}

// IsConfigured returns true if both key files exist.
func (k *KeyStore) IsConfigured() bool {
	return dfs.Exists(k.publicKeyPath) && dfs.Exists(k.privateKeyPath)
}

// Encrypted reports whether the private key file is age-encrypted rather
// than a plain armored key.
func (k *KeyStore) Encrypted() (bool, error) {
	f, err := os.Open(k.privateKeyPath)
	if err != nil {
		return false, fmt.Errorf("opening private key: %w", err)
	}
	defer f.Close()

	head := make([]byte, 64)
	n, _ := io.ReadFull(f, head)
	return !strings.HasPrefix(string(head[:n]), "-----BEGIN PGP"), nil
}

// Unlock loads the private key. An age-encrypted key is decrypted with
// passphrase; a plain armored key ignores it.
func (k *KeyStore) Unlock(passphrase string) (*openpgp.Entity, error) {
	data, err := os.ReadFile(k.privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("reading private key file: %w", err)
	}

	if !bytes.HasPrefix(data, []byte("-----BEGIN PGP")) {
		identity, err := age.NewScryptIdentity(passphrase)
		if err != nil {
			return nil, fmt.Errorf("creating scrypt identity: %w", err)
		}
		r, err := age.Decrypt(bytes.NewReader(data), identity)
		if err != nil {
			return nil, fmt.Errorf("decrypting private key: %w", err)
		}
		if data, err = io.ReadAll(r); err != nil {
			return nil, fmt.Errorf("reading decrypted private key: %w", err)
		}
	}

	return ReadEntity(bytes.NewReader(data))
}

// ReadEntity returns the first entity with a usable private key from an
// armored key ring.
func ReadEntity(r io.Reader) (*openpgp.Entity, error) {
	entities, err := openpgp.ReadArmoredKeyRing(r)
	if err != nil {
		return nil, fmt.Errorf("parsing key ring: %w", err)
	}
	for _, e := range entities {
		if e.PrivateKey == nil {
			continue
		}
		if e.PrivateKey.Encrypted {
			return nil, errors.New("OpenPGP key is passphrase protected; store it age-encrypted instead")
		}
		return e, nil
	}
	return nil, errors.New("no private key found in key ring")
}

// Fingerprint returns the upper-case hex fingerprint of an entity.
func Fingerprint(e *openpgp.Entity) string {
	return strings.ToUpper(fmt.Sprintf("%x", e.PrimaryKey.Fingerprint))
}

func writeArmored(w io.Writer, blockType string, serialize func(io.Writer) error) error {
	aw, err := armor.Encode(w, blockType, nil)
	if err != nil {
		return err
	}
	if err := serialize(aw); err != nil {
		aw.Close()
		return err
	}
	return aw.Close()
}
