// Package forward holds the forwarding rule model.
package forward

import (
	"regexp"

	"github.com/hpungsan/courier/internal/errors"
	"github.com/hpungsan/courier/internal/platform"
)

// PeerSnapshot is a copy of a directory entry taken when the rule is written.
// Only ID and AccessHash must stay valid; Name is display only.
type PeerSnapshot struct {
	ID         int64
	AccessHash int64
	Kind       platform.Kind
	Name       string
}

// Ref returns the address part of the snapshot.
func (p PeerSnapshot) Ref() platform.PeerRef {
	return platform.PeerRef{ID: p.ID, AccessHash: p.AccessHash, Kind: p.Kind}
}

// Rule forwards messages from Source to Target when MatchPattern matches.
// An empty MatchPattern matches every message.
type Rule struct {
	ID           int64
	Source       PeerSnapshot
	Target       PeerSnapshot
	MatchPattern string
	Enabled      bool
	CreatedAt    int64
	UpdatedAt    int64
}

// Patch is a partial rule update. nil fields are left unchanged.
type Patch struct {
	SourceID         *int64
	SourceAccessHash *int64
	SourceKind       *platform.Kind
	SourceName       *string

	TargetID         *int64
	TargetAccessHash *int64
	TargetKind       *platform.Kind
	TargetName       *string

	MatchPattern *string
	Enabled      *bool
}

// IsEmpty reports whether the patch changes nothing.
func (p Patch) IsEmpty() bool {
	return p.SourceID == nil && p.SourceAccessHash == nil && p.SourceKind == nil && p.SourceName == nil &&
		p.TargetID == nil && p.TargetAccessHash == nil && p.TargetKind == nil && p.TargetName == nil &&
		p.MatchPattern == nil && p.Enabled == nil
}

// Apply merges the supplied fields onto r and returns the result. r is not modified.
func (p Patch) Apply(r Rule) Rule {
	applySnapshot(&r.Source, p.SourceID, p.SourceAccessHash, p.SourceKind, p.SourceName)
	applySnapshot(&r.Target, p.TargetID, p.TargetAccessHash, p.TargetKind, p.TargetName)
	if p.MatchPattern != nil {
		r.MatchPattern = *p.MatchPattern
	}
	if p.Enabled != nil {
		r.Enabled = *p.Enabled
	}
	return r
}

func applySnapshot(s *PeerSnapshot, id, hash *int64, kind *platform.Kind, name *string) {
	if id != nil {
		s.ID = *id
	}
	if hash != nil {
		s.AccessHash = *hash
	}
	if kind != nil {
		s.Kind = *kind
	}
	if name != nil {
		s.Name = *name
	}
}

// CompilePattern compiles a match pattern (RE2 syntax).
func CompilePattern(pattern string) (*regexp.Regexp, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, errors.NewInvalidPattern(pattern, err)
	}
	return re, nil
}

// Validate checks a complete rule before it is written and returns the compiled
// pattern.
func Validate(r Rule) (*regexp.Regexp, error) {
	if err := ValidatePeers(r); err != nil {
		return nil, err
	}
	return CompilePattern(r.MatchPattern)
}

// ValidatePeers checks both peer snapshots and rejects self-forwarding rules.
func ValidatePeers(r Rule) error {
	if err := validatePeer("source", r.Source); err != nil {
		return err
	}
	if err := validatePeer("target", r.Target); err != nil {
		return err
	}
	if r.Source.ID == r.Target.ID {
		return errors.NewSelfReferentialRule(r.Source.ID)
	}
	return nil
}

func validatePeer(side string, p PeerSnapshot) error {
	if p.ID == 0 {
		return errors.NewInvalidRequest(side + "_channel_id is required")
	}
	switch p.Kind {
	case platform.KindDirect, platform.KindGroup, platform.KindChannel:
	default:
		return errors.NewInvalidRequest(side + "_type must be one of user, group, channel")
	}
	if !p.Ref().Addressable() {
		return errors.NewInvalidRequest(side + "_hash is required for " + string(p.Kind) + " peers")
	}
	return nil
}
