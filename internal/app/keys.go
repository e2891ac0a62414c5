package app

import (
	"fmt"

	"debpub/internal/config"
	"debpub/internal/signing"
)

// InitSigningKey generates the OpenPGP key of an archive at the paths its
// signing config names and returns the key fingerprint. An existing key is
// never replaced.
func InitSigningKey(cfg *config.Config, archiveName string, opts signing.KeyOptions, passphrase string) (string, error) {
	archive, err := cfg.FindArchive(archiveName)
	if err != nil {
		return "", err
	}
	sc := archive.Signing
	if sc.PublicKeyPath == "" || sc.PrivateKeyPath == "" {
		return "", fmt.Errorf("archive %s has no key paths configured", archiveName)
	}

	ks := signing.NewKeyStore(sc.PublicKeyPath, sc.PrivateKeyPath)
	if ks.IsConfigured() {
		return "", fmt.Errorf("signing key already exists at %s", sc.PrivateKeyPath)
	}
	if opts.Name == "" {
		opts.Name = archive.Distribution + " archive signing key"
	}
	entity, err := ks.Setup(opts, passphrase)
	if err != nil {
		return "", fmt.Errorf("setting up signing key: %w", err)
	}
	return signing.Fingerprint(entity), nil
}
