package constants

import (
	"strings"
)

// EntityType is a named-entity class emitted by the annotators.
type EntityType string

const (
	EntityPerson       EntityType = "PER"
	EntityLocation     EntityType = "LOC"
	EntityOrganization EntityType = "ORG"
	EntityTime         EntityType = "TIME"
	EntityNumeric      EntityType = "NUMERIC"
	EntityOther        EntityType = "OTHER"
)

// OutsideLabel is the bare tag meaning "not part of any entity".
const OutsideLabel = "O"

// BIOPrefixWidth is the width of the "B-" / "I-" prefix on token labels.
const BIOPrefixWidth = 2

var allEntityTypes = []EntityType{
	EntityPerson,
	EntityLocation,
	EntityOrganization,
	EntityTime,
	EntityNumeric,
	EntityOther,
}

func EntityTypeStrings() []string {
	result := make([]string, len(allEntityTypes))
	for i, t := range allEntityTypes {
		result[i] = string(t)
	}
	return result
}

// CanonicalizeEntity maps annotator labels onto the known entity types.
// Unknown labels come back as EntityOther with ok=false.
func CanonicalizeEntity(input string) (EntityType, bool) {
	if input == "" {
		return EntityOther, false
	}

	normalized := strings.ToUpper(strings.TrimSpace(input))

	synonyms := map[string]EntityType{
		"PERSON":       EntityPerson,
		"LOCATION":     EntityLocation,
		"GPE":          EntityLocation,
		"ORGANIZATION": EntityOrganization,
		"DATETIME":     EntityTime,
		"DATE":         EntityTime,
		"NUM":          EntityNumeric,
	}

	if t, ok := synonyms[normalized]; ok {
		return t, true
	}

	for _, t := range allEntityTypes {
		if normalized == string(t) {
			return t, true
		}
	}

	return EntityOther, false
}
