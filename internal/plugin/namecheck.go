package plugin

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
)

var (
	// typeNamePattern is the shape a manifest type name must take.
	typeNamePattern = regexp.MustCompile(`^[A-Z][A-Za-z0-9_]*$`)
	// logicalNamePattern is the shape a plugin directory name must take.
	logicalNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)
)

// deniedTypeNames are platform primitive names a plugin may never claim.
// All of them match typeNamePattern, so the regex alone is not a defense;
// a manifest naming its type after a filesystem, process, serialization, or
// reflection primitive is rejected outright.
var deniedTypeNames = map[string]struct{}{
	"File":      {},
	"Dir":       {},
	"Process":   {},
	"Thread":    {},
	"Exec":      {},
	"Shell":     {},
	"Socket":    {},
	"Marshal":   {},
	"Unmarshal": {},
	"Reflect":   {},
	"Unsafe":    {},
	"Syscall":   {},
	"Runtime":   {},
	"Env":       {},
	"Signal":    {},
}

// expectedTypeName derives the manifest type name a plugin directory name
// must declare: each underscore-separated segment is capitalized and the
// segments are joined, so git_hub_handler maps to GitHubHandler.
func expectedTypeName(logical string) string {
	var b strings.Builder
	for _, seg := range strings.Split(logical, "_") {
		if seg == "" {
			continue
		}
		r := []rune(seg)
		b.WriteRune(unicode.ToUpper(r[0]))
		b.WriteString(string(r[1:]))
	}
	return b.String()
}

// logicalFromTypeName inverts expectedTypeName: an underscore is inserted
// before every uppercase letter except the first, then the whole string is
// lowercased, so GitHubHandler maps back to git_hub_handler.
func logicalFromTypeName(typeName string) string {
	var b strings.Builder
	for i, r := range typeName {
		if unicode.IsUpper(r) && i > 0 {
			b.WriteRune('_')
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}

// checkName validates the directory-name/type-name pair of a plugin. The
// mapping must hold in both directions, because each direction catches
// mismatches the other cannot: git__hub produces GitHub, but GitHub maps
// back to git_hub; GitHub_handler maps back to git_hub_handler, but
// git_hub_handler produces GitHubHandler. Only pairs that survive the full
// round trip are unambiguous.
func checkName(logical, typeName string) error {
	if !logicalNamePattern.MatchString(logical) {
		return fmt.Errorf("plugin directory name %q must be snake_case (lowercase letters, digits, underscores)", logical)
	}
	if !typeNamePattern.MatchString(typeName) {
		return fmt.Errorf("plugin type name %q must match %s", typeName, typeNamePattern.String())
	}
	if _, denied := deniedTypeNames[typeName]; denied {
		return fmt.Errorf("plugin type name %q is a reserved platform name", typeName)
	}
	if want := expectedTypeName(logical); typeName != want {
		return fmt.Errorf("plugin type name %q does not match directory %q (expected %q)", typeName, logical, want)
	}
	if back := logicalFromTypeName(typeName); back != logical {
		return fmt.Errorf("plugin type name %q maps back to %q, not directory %q", typeName, back, logical)
	}
	return nil
}
