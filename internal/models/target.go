package models

import (
	"path/filepath"
	"strings"
)

// TargetKind classifies what a scan subject is.
type TargetKind string

const (
	KindRepo   TargetKind = "repo"
	KindImage  TargetKind = "image"
	KindIaC    TargetKind = "iac"
	KindURL    TargetKind = "url"
	KindGitLab TargetKind = "gitlab"
	KindK8s    TargetKind = "k8s"
)

// TargetKinds lists every kind in catalog declaration order.
var TargetKinds = []TargetKind{KindRepo, KindImage, KindIaC, KindURL, KindGitLab, KindK8s}

// Target is one scan subject. Immutable for the duration of a scan; only
// its derived display name is ever persisted.
type Target struct {
	Kind TargetKind
	// ID is the raw identifier: a filesystem path, image reference, URL,
	// project path or cluster context depending on Kind.
	ID string
	// Name is the optional display name; DisplayName derives one when unset.
	Name string
}

// DisplayName returns the name used for filtering, progress output and the
// per-target results directory.
func (t Target) DisplayName() string {
	if t.Name != "" {
		return t.Name
	}
	switch t.Kind {
	case KindRepo:
		return filepath.Base(strings.TrimRight(t.ID, "/"))
	case KindIaC:
		base := filepath.Base(t.ID)
		return strings.TrimSuffix(base, filepath.Ext(base))
	default:
		return SanitizeName(t.ID)
	}
}

// SanitizeName maps any character outside [A-Za-z0-9._-] to an underscore
// so target identifiers are safe as directory names.
func SanitizeName(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
