package contacts

import (
	"fmt"
	"strings"
)

// ValidateForm validates raw create/edit form input and returns the
// trimmed name and addresses. Every address entry present in the form must
// be non-empty after trimming; an empty entry blocks submission with a
// field-level error rather than being silently dropped. The classification
// is identical for the create and edit flows, which both call this.
func ValidateForm(name string, addresses []string) (string, []string, error) {
	trimmedName := strings.TrimSpace(name)
	if trimmedName == "" {
		return "", nil, &ValidationError{Field: "name", Message: "name is required"}
	}

	trimmed := make([]string, len(addresses))
	for i, addr := range addresses {
		t := strings.TrimSpace(addr)
		if t == "" {
			return "", nil, &ValidationError{
				Field:   fmt.Sprintf("addresses[%d]", i),
				Message: "address cannot be empty",
			}
		}
		trimmed[i] = t
	}
	if len(trimmed) == 0 {
		return "", nil, &ValidationError{Field: "addresses", Message: "at least one address is required"}
	}
	return trimmedName, trimmed, nil
}

// cleanRecord normalizes commit input: the name is trimmed and required,
// empty address entries are filtered out, and a list that filters down to
// nothing is rejected outright so an empty-address contact can never be
// committed.
func cleanRecord(name string, addresses []string, favorite bool) (Record, error) {
	trimmedName := strings.TrimSpace(name)
	if trimmedName == "" {
		return Record{}, &ValidationError{Field: "name", Message: "name is required"}
	}

	cleaned := make([]string, 0, len(addresses))
	for _, addr := range addresses {
		if t := strings.TrimSpace(addr); t != "" {
			cleaned = append(cleaned, t)
		}
	}
	if len(cleaned) == 0 {
		return Record{}, &ValidationError{Field: "addresses", Message: "at least one address is required"}
	}

	return Record{Name: trimmedName, Addresses: cleaned, IsFavorite: favorite}, nil
}
