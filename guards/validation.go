package guards

import (
	"fmt"
	"regexp"
	"strings"
)

const (
	maxNameLength       = 64
	maxExpressionLength = 2048
	// MaxGuardsPerLender bounds the work done per evaluation
	MaxGuardsPerLender = 25
)

var validName = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// ValidateName checks a guard name. Names become part of reason codes, so
// they are restricted to lower snake case.
func ValidateName(name string) error {
	if len(name) == 0 {
		return fmt.Errorf("%w: name cannot be empty", ErrInvalidGuard)
	}
	if len(name) > maxNameLength {
		return fmt.Errorf("%w: name length %d exceeds maximum of %d characters", ErrInvalidGuard, len(name), maxNameLength)
	}
	if !validName.MatchString(name) {
		return fmt.Errorf("%w: name %q must match %s", ErrInvalidGuard, name, validName.String())
	}
	if isReservedKeyword(name) {
		return fmt.Errorf("%w: cannot use reserved keyword %q as name", ErrInvalidGuard, name)
	}
	return nil
}

// Validate checks a guard before it is compiled
func Validate(g *Guard) error {
	if err := ValidateName(g.Name); err != nil {
		return err
	}
	if g.LenderID == "" {
		return fmt.Errorf("%w: lender_id is required", ErrInvalidGuard)
	}
	if strings.TrimSpace(g.Expression) == "" {
		return fmt.Errorf("%w: expression cannot be empty", ErrInvalidGuard)
	}
	if len(g.Expression) > maxExpressionLength {
		return fmt.Errorf("%w: expression length %d exceeds maximum of %d", ErrInvalidGuard, len(g.Expression), maxExpressionLength)
	}
	return nil
}

func isReservedKeyword(name string) bool {
	reservedKeywords := map[string]bool{
		"true": true, "false": true, "null": true,
		"in": true, "as": true, "break": true, "const": true, "continue": true,
		"else": true, "for": true, "function": true, "if": true, "import": true,
		"let": true, "loop": true, "package": true, "namespace": true,
		"return": true, "var": true, "void": true, "while": true,
	}
	return reservedKeywords[name]
}
