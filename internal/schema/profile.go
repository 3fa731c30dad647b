// Package schema rewrites tool input schemas so heterogeneous backend
// validators accept them. Backends differ in which JSON Schema keywords they
// tolerate; each quirk set is captured as a named profile, a pure data value
// consumed by Transform. Adding a backend means adding a profile, not
// branching logic.
package schema

// Profile selects backend-specific schema constraints.
type Profile struct {
	Name string

	// AllowedFormats lists the format keyword values the backend validator
	// understands. Formats outside the set are stripped. A nil map means all
	// formats pass through.
	AllowedFormats map[string]bool

	// CloseObjects forces "additionalProperties": false on every object node
	// that does not already declare additionalProperties.
	CloseObjects bool

	// FlattenUnions replaces oneOf/anyOf nodes with their single most
	// specific alternative. Backends without union support reject such
	// nodes outright.
	FlattenUnions bool

	// MergeAllOf folds allOf branches into the parent node by merging
	// properties and required lists.
	MergeAllOf bool

	// StripKeywords lists keywords removed wherever they appear, for
	// validators that reject unknown or meta keywords.
	StripKeywords []string
}

// Lenient passes schemas through untouched apart from structural
// normalization. Suitable for backends with permissive validators.
var Lenient = Profile{
	Name: "lenient",
}

// Strict models the common local-server validator: no format keywords beyond
// a basic set, closed objects, no union nodes.
var Strict = Profile{
	Name: "strict",
	AllowedFormats: map[string]bool{
		"date-time": true,
		"uri":       true,
		"enum":      true,
	},
	CloseObjects:  true,
	FlattenUnions: true,
	MergeAllOf:    true,
	StripKeywords: []string{"$schema", "$id", "definitions"},
}

var profiles = map[string]Profile{
	Lenient.Name: Lenient,
	Strict.Name:  Strict,
}

// ByName looks up a registered profile. Unknown names fall back to Lenient.
func ByName(name string) Profile {
	if p, ok := profiles[name]; ok {
		return p
	}
	return Lenient
}
