package signing

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/openpgp"
	"golang.org/x/crypto/openpgp/armor"
	"golang.org/x/crypto/openpgp/clearsign"

	"debpub/internal/config"
)

var signTime = time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)

func newKeyStore(t *testing.T) *KeyStore {
	t.Helper()
	dir := t.TempDir()
	return NewKeyStore(filepath.Join(dir, "keys", "archive.pub.asc"), filepath.Join(dir, "keys", "archive.key.age"))
}

func setupKey(t *testing.T, ks *KeyStore, passphrase string) *openpgp.Entity {
	t.Helper()
	e, err := ks.Setup(KeyOptions{Name: "Test Archive", Email: "archive@example.com", RSABits: 1024}, passphrase)
	if err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	return e
}

func newRequest(t *testing.T, content string) Request {
	t.Helper()
	dir := t.TempDir()
	suite := filepath.Join(dir, "dists", "focal")
	os.MkdirAll(suite, 0755)
	input := filepath.Join(suite, "Release.new")
	if err := os.WriteFile(input, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return Request{InputPath: input, OutputDir: suite, ArchiveRoot: dir, Distribution: "ubuntu", Suite: "focal"}
}

func TestKeyStore(t *testing.T) {
	t.Run("setup then unlock", func(t *testing.T) {
		ks := newKeyStore(t)
		if ks.IsConfigured() {
			t.Fatal("IsConfigured() = true before Setup")
		}
		created := setupKey(t, ks, "secret")
		if !ks.IsConfigured() {
			t.Fatal("IsConfigured() = false after Setup")
		}

		enc, err := ks.Encrypted()
		if err != nil || !enc {
			t.Errorf("Encrypted() = %v, %v; want true", enc, err)
		}

		got, err := ks.Unlock("secret")
		if err != nil {
			t.Fatalf("Unlock() error = %v", err)
		}
		if Fingerprint(got) != Fingerprint(created) {
			t.Errorf("unlocked fingerprint %s, want %s", Fingerprint(got), Fingerprint(created))
		}

		pub, _ := os.ReadFile(ks.publicKeyPath)
		if !bytes.HasPrefix(pub, []byte("-----BEGIN PGP PUBLIC KEY BLOCK-----")) {
			t.Errorf("public key not armored: %q", pub[:40])
		}
	})

	t.Run("wrong passphrase", func(t *testing.T) {
		ks := newKeyStore(t)
		setupKey(t, ks, "secret")
		if _, err := ks.Unlock("wrong"); err == nil {
			t.Error("Unlock() with wrong passphrase expected error")
		}
	})

	t.Run("empty passphrase rejected", func(t *testing.T) {
		ks := newKeyStore(t)
		if _, err := ks.Setup(KeyOptions{Name: "x", RSABits: 1024}, ""); err == nil {
			t.Error("Setup() with empty passphrase expected error")
		}
	})

	t.Run("plain armored key needs no passphrase", func(t *testing.T) {
		ks := newKeyStore(t)
		entity := setupKey(t, ks, "secret")

		var buf bytes.Buffer
		if err := writeArmored(&buf, openpgp.PrivateKeyType, func(w io.Writer) error {
			return entity.SerializePrivate(w, nil)
		}); err != nil {
			t.Fatal(err)
		}
		os.WriteFile(ks.privateKeyPath, buf.Bytes(), 0600)

		if enc, _ := ks.Encrypted(); enc {
			t.Error("Encrypted() = true for plain armored key")
		}
		if _, err := ks.Unlock(""); err != nil {
			t.Errorf("Unlock() error = %v", err)
		}
	})
}

func TestOpenPGPSigner(t *testing.T) {
	ks := newKeyStore(t)
	entity := setupKey(t, ks, "secret")
	signer := NewOpenPGPSigner(entity, func() time.Time { return signTime })

	content := "Origin: Ubuntu\nSuite: focal\n"
	req := newRequest(t, content)

	res, err := signer.Sign(context.Background(), req)
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	if res.Detached != filepath.Join(req.OutputDir, "Release.gpg.new") || res.Clear != filepath.Join(req.OutputDir, "InRelease.new") {
		t.Errorf("Result = %+v, want staged paths", res)
	}
	for _, name := range []string{DetachedName, ClearName} {
		if _, err := os.Stat(filepath.Join(req.OutputDir, name)); !os.IsNotExist(err) {
			t.Errorf("%s placed by the signer", name)
		}
	}

	keyring := openpgp.EntityList{entity}

	t.Run("detached signature verifies", func(t *testing.T) {
		sig, err := os.Open(res.Detached)
		if err != nil {
			t.Fatal(err)
		}
		defer sig.Close()
		block, err := armor.Decode(sig)
		if err != nil {
			t.Fatalf("armor.Decode() error = %v", err)
		}
		if block.Type != openpgp.SignatureType {
			t.Errorf("armor type = %q", block.Type)
		}
		if _, err := openpgp.CheckDetachedSignature(keyring, strings.NewReader(content), block.Body); err != nil {
			t.Errorf("CheckDetachedSignature() error = %v", err)
		}
	})

	t.Run("clearsigned copy verifies", func(t *testing.T) {
		data, _ := os.ReadFile(res.Clear)
		b, _ := clearsign.Decode(data)
		if b == nil {
			t.Fatal("InRelease is not clearsigned")
		}
		if string(b.Plaintext) != strings.TrimSuffix(content, "\n") && string(b.Plaintext) != content {
			t.Errorf("plaintext = %q", b.Plaintext)
		}
		if _, err := openpgp.CheckDetachedSignature(keyring, bytes.NewReader(b.Bytes), b.ArmoredSignature.Body); err != nil {
			t.Errorf("clearsign verification error = %v", err)
		}
	})

	t.Run("same input and time give identical signatures", func(t *testing.T) {
		first, _ := os.ReadFile(res.Detached)
		if _, err := signer.Sign(context.Background(), req); err != nil {
			t.Fatalf("Sign() error = %v", err)
		}
		second, _ := os.ReadFile(res.Detached)
		if !bytes.Equal(first, second) {
			t.Error("re-signing identical input changed Release.gpg")
		}
	})
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sign.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestCommandSigner(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh")
	}

	t.Run("writes outputs from the environment contract", func(t *testing.T) {
		script := writeScript(t, `echo "$MODE $SUITE $DISTRIBUTION" > "$OUTPUT_PATH"
cat "$INPUT_PATH" >> "$OUTPUT_PATH"
`)
		req := newRequest(t, "Suite: focal\n")
		res, err := NewCommandSigner(script, nil, time.Minute).Sign(context.Background(), req)
		if err != nil {
			t.Fatalf("Sign() error = %v", err)
		}
		detached, _ := os.ReadFile(res.Detached)
		if string(detached) != "detached focal ubuntu\nSuite: focal\n" {
			t.Errorf("Release.gpg = %q", detached)
		}
		clear, _ := os.ReadFile(res.Clear)
		if !strings.HasPrefix(string(clear), "clear focal ubuntu\n") {
			t.Errorf("InRelease = %q", clear)
		}
		if res.Clear != req.StagedPath(ModeClear) {
			t.Errorf("Clear = %s, want %s", res.Clear, req.StagedPath(ModeClear))
		}
		if _, err := os.Stat(filepath.Join(req.OutputDir, ClearName)); !os.IsNotExist(err) {
			t.Error("InRelease placed by the signer")
		}
	})

	t.Run("failure after a staged output discards it", func(t *testing.T) {
		script := writeScript(t, `if [ "$MODE" = "clear" ]; then exit 1; fi
echo sig > "$OUTPUT_PATH"
`)
		req := newRequest(t, "x")
		if _, err := NewCommandSigner(script, nil, time.Minute).Sign(context.Background(), req); err == nil {
			t.Fatal("Sign() expected error")
		}
		if _, err := os.Stat(req.StagedPath(ModeDetached)); !os.IsNotExist(err) {
			t.Error("staged Release.gpg left behind")
		}
	})

	t.Run("missing output is skipped", func(t *testing.T) {
		script := writeScript(t, `if [ "$MODE" = "detached" ]; then echo sig > "$OUTPUT_PATH"; fi
exit 0
`)
		req := newRequest(t, "x")
		res, err := NewCommandSigner(script, nil, time.Minute).Sign(context.Background(), req)
		if err != nil {
			t.Fatalf("Sign() error = %v", err)
		}
		if res.Detached == "" || res.Clear != "" {
			t.Errorf("Result = %+v, want detached only", res)
		}
		if !res.Signed() {
			t.Error("Signed() = false")
		}
	})

	t.Run("non-zero exit is fatal", func(t *testing.T) {
		script := writeScript(t, "echo 'key expired' >&2\nexit 3\n")
		req := newRequest(t, "x")
		_, err := NewCommandSigner(script, nil, time.Minute).Sign(context.Background(), req)
		if err == nil || !strings.Contains(err.Error(), "key expired") {
			t.Errorf("Sign() error = %v, want failure carrying stderr", err)
		}
	})

	t.Run("timeout is fatal", func(t *testing.T) {
		script := writeScript(t, "exec sleep 5\n")
		req := newRequest(t, "x")
		if _, err := NewCommandSigner(script, nil, 50*time.Millisecond).Sign(context.Background(), req); err == nil {
			t.Error("Sign() expected timeout error")
		}
	})
}

func TestNewSignerFromConfig(t *testing.T) {
	t.Run("none", func(t *testing.T) {
		s, err := NewSignerFromConfig(config.SigningConfig{}, nil, nil)
		if err != nil {
			t.Fatalf("NewSignerFromConfig() error = %v", err)
		}
		res, err := s.Sign(context.Background(), Request{})
		if err != nil || res.Signed() {
			t.Errorf("NopSigner.Sign() = %+v, %v", res, err)
		}
	})

	t.Run("openpgp asks for the passphrase", func(t *testing.T) {
		ks := newKeyStore(t)
		setupKey(t, ks, "secret")
		cfg := config.SigningConfig{Type: "openpgp", PublicKeyPath: ks.publicKeyPath, PrivateKeyPath: ks.privateKeyPath}

		asked := false
		s, err := NewSignerFromConfig(cfg, func() (string, error) {
			asked = true
			return "secret", nil
		}, nil)
		if err != nil {
			t.Fatalf("NewSignerFromConfig() error = %v", err)
		}
		if !asked {
			t.Error("passphrase was not requested")
		}
		if _, ok := s.(*OpenPGPSigner); !ok {
			t.Errorf("signer type = %T", s)
		}
	})

	t.Run("openpgp without passphrase source", func(t *testing.T) {
		ks := newKeyStore(t)
		setupKey(t, ks, "secret")
		cfg := config.SigningConfig{Type: "openpgp", PrivateKeyPath: ks.privateKeyPath}
		if _, err := NewSignerFromConfig(cfg, nil, nil); err == nil {
			t.Error("expected error for encrypted key without passphrase source")
		}
	})

	t.Run("unknown type", func(t *testing.T) {
		if _, err := NewSignerFromConfig(config.SigningConfig{Type: "kms"}, nil, nil); err == nil {
			t.Error("expected error for unknown type")
		}
	})
}
