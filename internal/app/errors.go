package app

import "fmt"

// DomainError carries an HTTP status and a stable machine-readable code so
// handlers can translate service failures without inspecting message text.
type DomainError struct {
	Status  int
	Code    string
	Message string
	Details map[string]any
}

func (e *DomainError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string) *DomainError {
	return &DomainError{Status: status, Code: code, Message: message}
}

func domainErrorf(status int, code, format string, args ...any) *DomainError {
	return &DomainError{Status: status, Code: code, Message: fmt.Sprintf(format, args...)}
}
