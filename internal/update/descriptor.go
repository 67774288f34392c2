package update

// Descriptor is one answer from the update server. Every field is optional;
// an empty string means the server did not send it.
type Descriptor struct {
	FullPackageURL   string `json:"fullPackageUrl,omitempty" yaml:"fullPackageUrl,omitempty"`
	PatchURL         string `json:"patchUrl,omitempty" yaml:"patchUrl,omitempty"`
	ExpectedChecksum string `json:"expectedChecksum,omitempty" yaml:"expectedChecksum,omitempty"`
	Message          string `json:"message,omitempty" yaml:"message,omitempty"`
}

// Kind is the update kind a descriptor resolves to.
type Kind int

const (
	KindNone Kind = iota
	KindFull
	KindPatch
)

func (k Kind) String() string {
	switch k {
	case KindFull:
		return "full"
	case KindPatch:
		return "patch"
	default:
		return "none"
	}
}

// MarshalText renders the kind name in JSON and YAML output.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(b []byte) error {
	*k = ParseKind(string(b))
	return nil
}

// ParseKind maps "full" and "patch" to their Kind. Anything else is KindNone.
func ParseKind(s string) Kind {
	switch s {
	case "full":
		return KindFull
	case "patch":
		return KindPatch
	default:
		return KindNone
	}
}

// Classify resolves the update kind. When both URLs are present the patch is
// preferred; the full URL stays on the descriptor for a caller fallback.
func Classify(d Descriptor) Kind {
	switch {
	case d.PatchURL != "":
		return KindPatch
	case d.FullPackageURL != "":
		return KindFull
	default:
		return KindNone
	}
}

// URLFor returns the artifact URL the descriptor offers for kind.
func (d Descriptor) URLFor(kind Kind) string {
	switch kind {
	case KindFull:
		return d.FullPackageURL
	case KindPatch:
		return d.PatchURL
	default:
		return ""
	}
}

// HasFallback reports whether a patch descriptor also carries a full package.
func (d Descriptor) HasFallback() bool {
	return d.PatchURL != "" && d.FullPackageURL != ""
}
