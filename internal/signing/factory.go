package signing

import (
	"fmt"
	"time"

	"debpub/internal/config"
)

// PassphraseFunc supplies the passphrase of an encrypted signing key.
type PassphraseFunc func() (string, error)

// NewSignerFromConfig creates a Signer based on the signing config type.
// passphrase is only called when an encrypted key has to be unlocked.
func NewSignerFromConfig(cfg config.SigningConfig, passphrase PassphraseFunc, now func() time.Time) (Signer, error) {
	switch cfg.Type {
	case "", "none":
		return NopSigner{}, nil
	case "command":
		if cfg.Command == "" {
			return nil, fmt.Errorf("command signer requires command to be set")
		}
		return NewCommandSigner(cfg.Command, cfg.Args, cfg.Timeout.Duration), nil
	case "openpgp":
		ks := NewKeyStore(cfg.PublicKeyPath, cfg.PrivateKeyPath)
		encrypted, err := ks.Encrypted()
		if err != nil {
			return nil, err
		}
		var pass string
		if encrypted {
			if passphrase == nil {
				return nil, fmt.Errorf("signing key %s is encrypted and no passphrase source is available", cfg.PrivateKeyPath)
			}
			if pass, err = passphrase(); err != nil {
				return nil, fmt.Errorf("reading signing passphrase: %w", err)
			}
		}
		entity, err := ks.Unlock(pass)
		if err != nil {
			return nil, fmt.Errorf("unlocking signing key: %w", err)
		}
		return NewOpenPGPSigner(entity, now), nil
	default:
		return nil, fmt.Errorf("unknown signing type: %s", cfg.Type)
	}
}
