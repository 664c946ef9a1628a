package syscheck

import (
	"fmt"
	"os/exec"
	"strings"
)

// Checker verifies that external tools are available on PATH.
type Checker struct {
	dependencies []string
	lookPath     func(string) (string, error)
}

// NewChecker creates a dependency checker for the given tool names.
func NewChecker(deps ...string) *Checker {
	return &Checker{dependencies: deps, lookPath: exec.LookPath}
}

// IsAvailable checks if a single dependency is available in PATH.
func (c *Checker) IsAvailable(name string) bool {
	_, err := c.lookPath(name)
	return err == nil
}

// CheckAll returns a *MissingDepsError listing every missing dependency.
func (c *Checker) CheckAll() error {
	var missing []string
	for _, dep := range c.dependencies {
		if !c.IsAvailable(dep) {
			missing = append(missing, dep)
		}
	}
	if len(missing) > 0 {
		return &MissingDepsError{Dependencies: missing}
	}
	return nil
}

// Checks reports one entry per dependency with the given severity for missing ones.
func (c *Checker) Checks(missing Status) []Check {
	out := make([]Check, 0, len(c.dependencies))
	for _, dep := range c.dependencies {
		ck := Check{Section: SectionDeps, Name: dep}
		if p, err := c.lookPath(dep); err == nil {
			ck.Status, ck.Detail = StatusOK, p
		} else {
			ck.Status, ck.Detail = missing, "not found in PATH"
		}
		out = append(out, ck)
	}
	return out
}

// MissingDepsError is returned when required dependencies are missing.
type MissingDepsError struct {
	Dependencies []string
}

func (e *MissingDepsError) Error() string {
	return fmt.Sprintf("missing dependencies: %s", strings.Join(e.Dependencies, ", "))
}
