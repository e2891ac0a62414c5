package signing

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"time"

	"golang.org/x/crypto/openpgp"
	"golang.org/x/crypto/openpgp/armor"
	"golang.org/x/crypto/openpgp/clearsign"
	"golang.org/x/crypto/openpgp/packet"

	dfs "debpub/internal/fs"
)

// OpenPGPSigner signs in-process with an unlocked key.
type OpenPGPSigner struct {
	entity *openpgp.Entity
	now    func() time.Time
}

// NewOpenPGPSigner returns a signer for entity. now stamps the signature
// creation time; nil means time.Now.
func NewOpenPGPSigner(entity *openpgp.Entity, now func() time.Time) *OpenPGPSigner {
	if now == nil {
		now = time.Now
	}
	return &OpenPGPSigner{entity: entity, now: now}
}

// Sign stages an armored detached signature and a clearsigned copy of the
// input.
func (s *OpenPGPSigner) Sign(ctx context.Context, req Request) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	input, err := os.ReadFile(req.InputPath)
	if err != nil {
		return Result{}, fmt.Errorf("reading %s: %w", req.InputPath, err)
	}
	cfg := &packet.Config{Time: s.now}

	var sig bytes.Buffer
	if err := openpgp.DetachSign(&sig, s.entity, bytes.NewReader(input), cfg); err != nil {
		return Result{}, fmt.Errorf("creating detached signature: %w", err)
	}
	var detached bytes.Buffer
	aw, err := armor.Encode(&detached, openpgp.SignatureType, nil)
	if err != nil {
		return Result{}, fmt.Errorf("armoring signature: %w", err)
	}
	if _, err := aw.Write(sig.Bytes()); err != nil {
		return Result{}, fmt.Errorf("armoring signature: %w", err)
	}
	if err := aw.Close(); err != nil {
		return Result{}, fmt.Errorf("armoring signature: %w", err)
	}

	var clear bytes.Buffer
	cw, err := clearsign.Encode(&clear, s.entity.PrivateKey, cfg)
	if err != nil {
		return Result{}, fmt.Errorf("creating clearsign writer: %w", err)
	}
	if _, err := cw.Write(input); err != nil {
		return Result{}, fmt.Errorf("clearsigning: %w", err)
	}
	if err := cw.Close(); err != nil {
		return Result{}, fmt.Errorf("clearsigning: %w", err)
	}

	res := Result{Detached: req.StagedPath(ModeDetached), Clear: req.StagedPath(ModeClear)}
	if _, err := dfs.WriteAtomic(res.Detached, &detached); err != nil {
		return Result{}, fmt.Errorf("writing %s: %w", DetachedName, err)
	}
	if _, err := dfs.WriteAtomic(res.Clear, &clear); err != nil {
		os.Remove(res.Detached)
		return Result{}, fmt.Errorf("writing %s: %w", ClearName, err)
	}
	return res, nil
}
