package output

import (
	"fmt"
	"regexp"
)

var tokenPattern = regexp.MustCompile(`\$\{([A-Za-z0-9]+)\.([A-Za-z0-9]+)\}`)

// Ref returns a placeholder for an attribute of a resource that is only
// known once the backend has realised it.
func Ref(logicalID, attribute string) string {
	return fmt.Sprintf("${%s.%s}", logicalID, attribute)
}

// AttributeLookup returns the realised value of logicalID.attribute.
type AttributeLookup func(logicalID, attribute string) (string, bool)

// UnresolvedError reports a placeholder with no realised value.
type UnresolvedError struct {
	LogicalID string
	Attribute string
}

func (e *UnresolvedError) Error() string {
	return fmt.Sprintf("unresolved reference %s.%s", e.LogicalID, e.Attribute)
}

// ResolveTokens replaces every placeholder in value.
func ResolveTokens(value string, lookup AttributeLookup) (string, error) {
	var firstErr error
	out := tokenPattern.ReplaceAllStringFunc(value, func(tok string) string {
		m := tokenPattern.FindStringSubmatch(tok)
		v, ok := lookup(m[1], m[2])
		if !ok {
			if firstErr == nil {
				firstErr = &UnresolvedError{LogicalID: m[1], Attribute: m[2]}
			}
			return tok
		}
		return v
	})
	if firstErr != nil {
		return "", firstErr
	}
	return out, nil
}

// HasTokens reports whether value still contains placeholders.
func HasTokens(value string) bool {
	return tokenPattern.MatchString(value)
}
