package resolver

import "fmt"

// PackageNotFoundError reports a requirement whose name matches no package
// and no provision in the catalog.
type PackageNotFoundError struct {
	Name string
}

func (e *PackageNotFoundError) Error() string {
	return fmt.Sprintf("package not found: %s", e.Name)
}

// NoSatisfyingVersionError reports a requirement whose name exists in the
// catalog but with no version satisfying the constraint.
type NoSatisfyingVersionError struct {
	Name       string
	Constraint string
}

func (e *NoSatisfyingVersionError) Error() string {
	return fmt.Sprintf("no version of %s satisfies %s", e.Name, e.Constraint)
}

// VersionConflictError reports two requirements on the same package name
// that cannot be satisfied by any single version. Both constraints are
// named so the caller can render the conflict without re-deriving it.
type VersionConflictError struct {
	Name        string
	ConstraintA string
	ConstraintB string
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("version conflict on %s: %s is incompatible with %s",
		e.Name, e.ConstraintA, e.ConstraintB)
}

// UnsatisfiableAlternativesError reports an alternative set none of whose
// members could be satisfied.
type UnsatisfiableAlternativesError struct {
	Expression string
}

func (e *UnsatisfiableAlternativesError) Error() string {
	return fmt.Sprintf("no satisfiable alternative in %q", e.Expression)
}
