// Package fbr holds the vocabulary shared by the FBR submission components:
// the target environment and the submission error taxonomy.
package fbr

import (
	"fmt"
	"strings"
)

// Environment selects which PRAL endpoint and credential set is used.
type Environment string

const (
	Sandbox    Environment = "sandbox"
	Production Environment = "production"
)

// ParseEnvironment normalises user input into an Environment.
func ParseEnvironment(raw string) (Environment, error) {
	switch Environment(strings.ToLower(strings.TrimSpace(raw))) {
	case Sandbox:
		return Sandbox, nil
	case Production:
		return Production, nil
	default:
		return "", fmt.Errorf("fbr: unknown environment %q", raw)
	}
}

// Valid reports whether e is a known environment.
func (e Environment) Valid() bool {
	return e == Sandbox || e == Production
}

func (e Environment) String() string {
	return string(e)
}
