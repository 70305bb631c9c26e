package models

import "fmt"

// ErrorType represents different categories of errors
type ErrorType int

const (
	ErrMetadataParse ErrorType = iota
	ErrTransport
	ErrVerify
	ErrStorage
	ErrInvalidConfig
)

// String returns the string representation of ErrorType
func (e ErrorType) String() string {
	switch e {
	case ErrMetadataParse:
		return "MetadataParse"
	case ErrTransport:
		return "Transport"
	case ErrVerify:
		return "Verify"
	case ErrStorage:
		return "Storage"
	case ErrInvalidConfig:
		return "InvalidConfig"
	default:
		return "Unknown"
	}
}

// CatalogError represents an error while maintaining the package catalog
type CatalogError struct {
	Type    ErrorType
	Context string
	Err     error
}

// Error implements the error interface
func (e *CatalogError) Error() string {
	if e.Context != "" {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Context, e.Err)
	}
	return fmt.Sprintf("[%s] %v", e.Type, e.Err)
}

// Unwrap returns the wrapped error
func (e *CatalogError) Unwrap() error {
	return e.Err
}
