// Package tagregistry resolves which DICOM tags are persisted as main-tag
// columns at which hierarchy level, and normalizes identifier tag
// values for search and for public-id derivation.
package tagregistry

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/j3soon/orthanc/internal/types"
)

// Entry describes one tag's placement in the registry.
type Entry struct {
	Tag        string // group,element, e.g. "0010,0020"
	Name       string
	Identifier bool
}

// staticTags is the built-in DICOM tag list, closed per level. Installation
// overrides are merged on top by Registry.ApplyOverrides; this package does
// not read or write types.PropertyMainDicomTagsOverrides itself.
var staticTags = map[types.ResourceKind][]Entry{
	types.KindPatient: {
		{Tag: "0010,0020", Name: "PatientID", Identifier: true},
		{Tag: "0010,0010", Name: "PatientName"},
		{Tag: "0010,0030", Name: "PatientBirthDate"},
		{Tag: "0010,0040", Name: "PatientSex"},
	},
	types.KindStudy: {
		{Tag: "0020,000D", Name: "StudyInstanceUID", Identifier: true},
		{Tag: "0008,0020", Name: "StudyDate"},
		{Tag: "0008,0030", Name: "StudyTime"},
		{Tag: "0008,1030", Name: "StudyDescription"},
		{Tag: "0020,0010", Name: "StudyID"},
		{Tag: "0008,0050", Name: "AccessionNumber"},
		{Tag: "0010,0020", Name: "PatientID"}, // carried for cross-level lookups
	},
	types.KindSeries: {
		{Tag: "0020,000E", Name: "SeriesInstanceUID", Identifier: true},
		{Tag: "0008,0060", Name: "Modality"},
		{Tag: "0020,0011", Name: "SeriesNumber"},
		{Tag: "0008,103E", Name: "SeriesDescription"},
		{Tag: "0018,0015", Name: "BodyPartExamined"},
	},
	types.KindInstance: {
		{Tag: "0008,0018", Name: "SOPInstanceUID", Identifier: true},
		{Tag: "0020,0013", Name: "InstanceNumber"},
		{Tag: "0008,0016", Name: "SOPClassUID"},
	},
}

// Registry is a process-wide, read-mostly table of tag->(level, is_identifier)
// built at initialization, with per-installation overrides layered on top.
type Registry struct {
	byKind map[types.ResourceKind][]Entry
}

// New builds a registry from the static DICOM tag list.
func New() *Registry {
	r := &Registry{byKind: make(map[types.ResourceKind][]Entry, len(staticTags))}
	for kind, entries := range staticTags {
		cp := make([]Entry, len(entries))
		copy(cp, entries)
		r.byKind[kind] = cp
	}
	return r
}

// ApplyOverrides merges the caller-supplied per-installation tag overrides
// into the static table; nothing loads them from or saves them to
// types.PropertyMainDicomTagsOverrides. Overrides are
// additive main tags; they never remove a static entry or flip an existing
// entry's Identifier flag.
func (r *Registry) ApplyOverrides(kind types.ResourceKind, overrides []Entry) {
	existing := make(map[string]bool, len(r.byKind[kind]))
	for _, e := range r.byKind[kind] {
		existing[e.Tag] = true
	}
	for _, o := range overrides {
		if !existing[o.Tag] {
			r.byKind[kind] = append(r.byKind[kind], o)
			existing[o.Tag] = true
		}
	}
}

// TagsForLevel iterates the main tags registered at level kind.
func (r *Registry) TagsForLevel(kind types.ResourceKind) []Entry {
	return r.byKind[kind]
}

// IsIdentifier reports whether tag is an identifier tag at level kind.
func (r *Registry) IsIdentifier(kind types.ResourceKind, tag string) bool {
	for _, e := range r.byKind[kind] {
		if e.Tag == tag {
			return e.Identifier
		}
	}
	return false
}

// IdentifierTags returns the identifier tags registered at level kind, in
// the fixed order that determines the per-level identifier tuple used for
// public-id derivation.
func (r *Registry) IdentifierTags(kind types.ResourceKind) []string {
	var out []string
	for _, e := range r.byKind[kind] {
		if e.Identifier {
			out = append(out, e.Tag)
		}
	}
	return out
}

// Normalize applies the identifier-tag normalization rule: NFKC-casefold
// with whitespace trim and internal whitespace collapse.
func Normalize(value string) string {
	folded := cases.Fold().String(norm.NFKC.String(value))
	folded = strings.Join(strings.Fields(folded), " ")
	return strings.TrimSpace(folded)
}
