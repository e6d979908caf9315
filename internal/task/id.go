package task

import (
	"fmt"
	"regexp"
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// ValidateID checks that id can be used as a single path segment. Batch and
// unit ids name directories on disk.
func ValidateID(kind, id string) error {
	if id == "" {
		return fmt.Errorf("%s id is empty", kind)
	}
	if id == "." || id == ".." || !idPattern.MatchString(id) {
		return fmt.Errorf("invalid %s id %q: use letters, digits, '.', '_' or '-' (max 128, not starting with a symbol)", kind, id)
	}
	return nil
}
