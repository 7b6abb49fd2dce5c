// Package acerr defines the engine error taxonomy. Every error that can
// cross the remote boundary carries a stable string code that forms the
// wire contract; the HTTP layer maps errors to {code, details} payloads and
// the client maps them back.
package acerr

import (
	"errors"
	"fmt"
)

// Stable wire codes.
const (
	CodeUnknownAlertSystem        = "unknown_ams"
	CodeCircularDependency        = "amt_circ_dependency"
	CodeInvalidDependency         = "invalid_amt_dependency"
	CodeUnknownModuleType         = "unknown_amt"
	CodeModuleTypeVersion         = "amt_version"
	CodeModuleTypeExtendedVersion = "amt_extended_version"
	CodeUnknownAnalysisRequest    = "unknown_analysis_request"
	CodeExpiredAnalysisRequest    = "expired_analysis_request"
	CodeLockedAnalysisRequest     = "locked_analysis_request"
	CodeUnknownObservable         = "unknown_observable"
	CodeUnknownRoot               = "unknown_root"
	CodeRootExists                = "root_exists"
	CodeUnknownFile               = "unknown_file"
	CodeInvalidWorkQueue          = "invalid_work_queue"
	CodeMissingEncryption         = "missing_encryption_settings"
	CodeInvalidPassword           = "invalid_password"
	CodeInvalidAPIKey             = "invalid_api_key"
	CodeInvalidAccess             = "invalid_access"
	CodeDuplicateAPIKeyName       = "duplicate_apikey_name"
)

// Error is a coded engine error.
type Error struct {
	Code    string
	Details string
}

func (e *Error) Error() string {
	if e.Details == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Details)
}

// Is makes errors.Is match any two coded errors with the same code, so
// sentinel comparisons like errors.Is(err, acerr.UnknownModuleType("")) work
// regardless of details.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return e.Code == other.Code
}

// New returns a coded error with formatted details.
func New(code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Details: fmt.Sprintf(format, args...)}
}

// CodeOf returns the wire code of err, or the empty string for uncoded
// errors.
func CodeOf(err error) string {
	var coded *Error
	if errors.As(err, &coded) {
		return coded.Code
	}
	return ""
}

// FromCode reconstructs a coded error, used by the remote client to map
// {code, details} payloads back into the taxonomy.
func FromCode(code, details string) error {
	return &Error{Code: code, Details: details}
}

// Constructors for the taxonomy. Each takes free-form details.

func UnknownAlertSystem(name string) *Error {
	return New(CodeUnknownAlertSystem, "unknown alert system %s", name)
}

func CircularDependency(chain string) *Error {
	return New(CodeCircularDependency, "circular dependency: %s", chain)
}

func InvalidDependency(module, dep string) *Error {
	return New(CodeInvalidDependency, "module %s depends on unknown module %s", module, dep)
}

func UnknownModuleType(name string) *Error {
	return New(CodeUnknownModuleType, "unknown analysis module type %s", name)
}

func ModuleTypeVersion(name, requested, registered string) *Error {
	return New(CodeModuleTypeVersion, "module %s version %s does not match registered %s", name, requested, registered)
}

func ModuleTypeExtendedVersion(name string) *Error {
	return New(CodeModuleTypeExtendedVersion, "module %s extended version mismatch", name)
}

func UnknownAnalysisRequest(id string) *Error {
	return New(CodeUnknownAnalysisRequest, "unknown analysis request %s", id)
}

func ExpiredAnalysisRequest(id string) *Error {
	return New(CodeExpiredAnalysisRequest, "analysis request %s expired", id)
}

func LockedAnalysisRequest(id string) *Error {
	return New(CodeLockedAnalysisRequest, "analysis request %s is locked", id)
}

func UnknownObservable(id string) *Error {
	return New(CodeUnknownObservable, "unknown observable %s", id)
}

func UnknownRoot(id string) *Error {
	return New(CodeUnknownRoot, "unknown root analysis %s", id)
}

func RootExists(id string) *Error {
	return New(CodeRootExists, "root analysis %s already exists", id)
}

func UnknownFile(sha256 string) *Error {
	return New(CodeUnknownFile, "unknown file %s", sha256)
}

func InvalidWorkQueue(name string) *Error {
	return New(CodeInvalidWorkQueue, "no work queue for module %s", name)
}

func MissingEncryptionSettings() *Error {
	return New(CodeMissingEncryption, "encryption settings are not configured")
}

func InvalidPassword() *Error {
	return New(CodeInvalidPassword, "invalid password")
}

func InvalidAPIKey() *Error {
	return New(CodeInvalidAPIKey, "invalid api key")
}

func InvalidAccess() *Error {
	return New(CodeInvalidAccess, "operation requires an admin api key")
}

func DuplicateAPIKeyName(name string) *Error {
	return New(CodeDuplicateAPIKeyName, "api key %s already exists", name)
}
