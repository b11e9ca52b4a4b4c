// Package provisioner composes the administrative API, the secondary shell
// channel and the GSM gateway into the operator-facing bulk operations.
package provisioner

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/pbxops/pbxprov/internal/allocator"
	"github.com/pbxops/pbxprov/internal/batch"
	"github.com/pbxops/pbxprov/internal/goip"
	"github.com/pbxops/pbxprov/internal/pbx"
	"github.com/pbxops/pbxprov/internal/secondary"
)

// Provisioner drives bulk provisioning against one PBX session. Channel and
// Device are nil when the session has no SSH credentials or gateway
// configured; operations needing them fail with ErrNotConfigured.
type Provisioner struct {
	PBX     *pbx.Client
	Channel *secondary.Channel
	Device  *goip.Client

	// Progress receives (done, total) during batches when set.
	Progress func(done, total int)
}

// ErrNotConfigured names a backend the current session does not carry.
type ErrNotConfigured struct {
	Backend string
}

func (e *ErrNotConfigured) Error() string {
	return fmt.Sprintf("session has no %s configured", e.Backend)
}

// PreconditionError marks an item whose prerequisite is missing; batches
// record it as skipped rather than failed.
type PreconditionError struct {
	Msg string
}

func (e *PreconditionError) Error() string      { return e.Msg }
func (e *PreconditionError) Precondition() bool { return true }

// NewSecret returns a random 32-character hex SIP secret.
func NewSecret() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing means the platform RNG is broken; there is
		// no safe fallback for credential material.
		panic(fmt.Sprintf("rng unavailable: %v", err))
	}
	return hex.EncodeToString(buf)
}

func (p *Provisioner) opts(apply func(ctx context.Context) error) batch.Options {
	return batch.Options{Progress: p.Progress, Apply: apply}
}

// CreateExtensions allocates count free numbers in the equipment block and
// creates each as a pjsip extension with a fresh random secret. Item detail
// carries the secret so the caller can print credentials. Configuration is
// applied once at the end iff anything was created.
func (p *Provisioner) CreateExtensions(ctx context.Context, equipmentCode, count int, namePrefix string) (*batch.Result, error) {
	ix, err := p.PBX.FetchIndex(ctx)
	if err != nil {
		return nil, err
	}
	start := allocator.EquipmentStart(equipmentCode)
	targets := allocator.NextFree(ix.IDs(), start, count)
	log.Info().Int("equipment", equipmentCode).Int("count", count).
		Strs("targets", targets).Msg("allocating extensions")

	return batch.Run(ctx, targets, func(ctx context.Context, ext string) (string, error) {
		return p.createOne(ctx, ix, ext, namePrefix+ext)
	}, p.opts(p.PBX.ApplyConfig)), nil
}

// AddExtensions creates the explicitly named extensions from a target
// expression. Numbers that already exist are skipped, not failed.
func (p *Provisioner) AddExtensions(ctx context.Context, spec string) (*batch.Result, error) {
	targets, err := allocator.ExpandTargets(spec)
	if err != nil {
		return nil, err
	}
	ix, err := p.PBX.FetchIndex(ctx)
	if err != nil {
		return nil, err
	}
	return batch.Run(ctx, targets, func(ctx context.Context, ext string) (string, error) {
		if ix.Has(ext) {
			return "", &pbx.AlreadyExistsError{Detail: "extension " + ext + " already exists"}
		}
		return p.createOne(ctx, ix, ext, ext)
	}, p.opts(p.PBX.ApplyConfig)), nil
}

// createOne is the shared create-then-set-password step. The create mutation
// ignores supplied secrets on most schema versions, so the password is
// always set in a second call.
func (p *Provisioner) createOne(ctx context.Context, ix *pbx.ExtensionIndex, ext, name string) (string, error) {
	if ix.NamesKnown && ix.HasName(name) {
		return "", &pbx.AlreadyExistsError{Detail: "display name " + name + " already in use"}
	}
	if err := p.PBX.CreateExtension(ctx, ext, name); err != nil {
		return "", err
	}
	secret := NewSecret()
	if err := p.PBX.SetExtensionPassword(ctx, ext, secret); err != nil {
		return "", fmt.Errorf("created but password not set: %w", err)
	}
	ix.Add(ext, name)
	return secret, nil
}

// DeleteTargets removes the listed extensions. Unknown numbers are skipped.
func (p *Provisioner) DeleteTargets(ctx context.Context, targets []string) (*batch.Result, error) {
	ix, err := p.PBX.FetchIndex(ctx)
	if err != nil {
		return nil, err
	}
	return batch.Run(ctx, targets, func(ctx context.Context, ext string) (string, error) {
		if !ix.Has(ext) {
			return "", &PreconditionError{Msg: "extension " + ext + " does not exist"}
		}
		if err := p.PBX.DeleteExtension(ctx, ext); err != nil {
			return "", err
		}
		return "deleted", nil
	}, p.opts(p.PBX.ApplyConfig)), nil
}

// DeleteTargetSpec expands a target expression and deletes it.
func (p *Provisioner) DeleteTargetSpec(ctx context.Context, spec string) (*batch.Result, error) {
	targets, err := allocator.ExpandTargets(spec)
	if err != nil {
		return nil, err
	}
	return p.DeleteTargets(ctx, targets)
}

// DeleteEquipment removes every existing extension inside an equipment
// code's 100-number block.
func (p *Provisioner) DeleteEquipment(ctx context.Context, equipmentCode int) (*batch.Result, error) {
	lo, hi := allocator.EquipmentRange(equipmentCode)
	ix, err := p.PBX.FetchIndex(ctx)
	if err != nil {
		return nil, err
	}
	targets, err := allocator.ExpandTargets(fmt.Sprintf("%d-%d", lo, hi))
	if err != nil {
		return nil, err
	}
	inBlock := targets[:0]
	for _, t := range targets {
		if ix.Has(t) {
			inBlock = append(inBlock, t)
		}
	}
	return batch.Run(ctx, inBlock, func(ctx context.Context, ext string) (string, error) {
		if err := p.PBX.DeleteExtension(ctx, ext); err != nil {
			return "", err
		}
		return "deleted", nil
	}, p.opts(p.PBX.ApplyConfig)), nil
}

// DeleteAll removes every extension on the PBX. The CLI demands explicit
// confirmation before calling this.
func (p *Provisioner) DeleteAll(ctx context.Context) (*batch.Result, error) {
	ix, err := p.PBX.FetchIndex(ctx)
	if err != nil {
		return nil, err
	}
	targets, err := allocator.ExpandTargets(joinIDs(ix.IDs()))
	if err != nil {
		// Non-numeric ids are deleted unsorted rather than not at all.
		targets = ix.IDs()
	}
	return batch.Run(ctx, targets, func(ctx context.Context, ext string) (string, error) {
		if err := p.PBX.DeleteExtension(ctx, ext); err != nil {
			return "", err
		}
		return "deleted", nil
	}, p.opts(p.PBX.ApplyConfig)), nil
}

func joinIDs(ids []string) string {
	out := ""
	for i, id := range ids {
		if i > 0 {
			out += " "
		}
		out += id
	}
	return out
}

// AddInboundRoutes creates one inbound route per target extension: DID equal
// to the extension number, description "sim<ext>". Targets without an
// existing extension are skipped, as are DIDs that already have a route. The
// DID pre-check is best effort against concurrent external changes.
func (p *Provisioner) AddInboundRoutes(ctx context.Context, spec string) (*batch.Result, error) {
	targets, err := allocator.ExpandTargets(spec)
	if err != nil {
		return nil, err
	}
	ix, err := p.PBX.FetchIndex(ctx)
	if err != nil {
		return nil, err
	}
	routes, err := p.PBX.FetchInboundRoutes(ctx)
	if err != nil {
		return nil, err
	}
	haveDID := make(map[string]struct{}, len(routes))
	for _, r := range routes {
		haveDID[r.DID] = struct{}{}
	}

	return batch.Run(ctx, targets, func(ctx context.Context, ext string) (string, error) {
		if !ix.Has(ext) {
			return "", &PreconditionError{Msg: "extension " + ext + " does not exist; create it first"}
		}
		if _, ok := haveDID[ext]; ok {
			return "", &pbx.AlreadyExistsError{Detail: "inbound route for DID " + ext + " already exists"}
		}
		if err := p.PBX.CreateInboundRoute(ctx, ext, "sim"+ext, ext); err != nil {
			return "", err
		}
		haveDID[ext] = struct{}{}
		return "routed", nil
	}, p.opts(p.PBX.ApplyConfig)), nil
}

// RemoveInboundRoutes deletes the routes whose DIDs match the targets.
// Targets without a route are skipped.
func (p *Provisioner) RemoveInboundRoutes(ctx context.Context, spec string) (*batch.Result, error) {
	targets, err := allocator.ExpandTargets(spec)
	if err != nil {
		return nil, err
	}
	routes, err := p.PBX.FetchInboundRoutes(ctx)
	if err != nil {
		return nil, err
	}
	byDID := make(map[string]string, len(routes))
	for _, r := range routes {
		byDID[r.DID] = r.ID
	}

	return batch.Run(ctx, targets, func(ctx context.Context, ext string) (string, error) {
		id, ok := byDID[ext]
		if !ok {
			return "", &PreconditionError{Msg: "no inbound route for DID " + ext}
		}
		if err := p.PBX.DeleteInboundRoute(ctx, id); err != nil {
			return "", err
		}
		return "removed", nil
	}, p.opts(p.PBX.ApplyConfig)), nil
}

// SetSecrets rewrites SIP secrets over the secondary channel. With secret
// empty, each extension gets a fresh random one; item detail carries the new
// value. The PBX reload runs once at the end, not per item.
func (p *Provisioner) SetSecrets(ctx context.Context, spec, secret string) (*batch.Result, error) {
	if p.Channel == nil {
		return nil, &ErrNotConfigured{Backend: "secondary channel"}
	}
	targets, err := allocator.ExpandTargets(spec)
	if err != nil {
		return nil, err
	}
	return batch.Run(ctx, targets, func(ctx context.Context, ext string) (string, error) {
		s := secret
		if s == "" {
			s = NewSecret()
		}
		change, err := p.Channel.SetExtensionSecret(ctx, ext, s, false)
		if err != nil {
			return "", err
		}
		if change.MD5Present {
			log.Warn().Str("ext", ext).Msg("md5_cred row present; old credential may still authenticate")
		}
		return s, nil
	}, p.opts(p.Channel.Reload)), nil
}

// SyncSlots toggles forwarding on the gateway slot of each extension. This
// is deliberately a separate result from extension provisioning: a gateway
// failure never rolls back what the PBX already accepted.
func (p *Provisioner) SyncSlots(ctx context.Context, targets []string, rangeStart int, enabled bool) (*batch.Result, error) {
	if p.Device == nil {
		return nil, &ErrNotConfigured{Backend: "goip device"}
	}
	return batch.Run(ctx, targets, func(ctx context.Context, ext string) (string, error) {
		slot, err := goip.SlotForExtension(ext, rangeStart)
		if err != nil {
			return "", err
		}
		if err := p.Device.SetIncomingEnabled(ctx, slot, enabled); err != nil {
			return "", err
		}
		return fmt.Sprintf("slot %d", slot), nil
	}, p.opts(nil)), nil
}
