package service

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrorKind classifies a caller-facing failure. The transport layer maps
// every kind to a 4xx response; anything that is not a *DomainError is an
// internal failure and gets masked.
type ErrorKind string

const (
	KindFeatureDisabled ErrorKind = "feature_disabled"
	KindNotProvisioned  ErrorKind = "not_provisioned"
	KindAccountDisabled ErrorKind = "account_disabled"
	KindValidation      ErrorKind = "validation"
	KindAccessDenied    ErrorKind = "access_denied"
	KindSharingDisabled ErrorKind = "sharing_disabled"
	KindQuotaExceeded   ErrorKind = "quota_exceeded"
	KindNotFound        ErrorKind = "not_found"
	KindFolderNotEmpty  ErrorKind = "folder_not_empty"
	KindInvalidParent   ErrorKind = "invalid_parent"
)

// DomainError carries a short message suitable for direct display.
type DomainError struct {
	Kind    ErrorKind
	Message string
}

func (e *DomainError) Error() string {
	return e.Message
}

func domainErr(kind ErrorKind, format string, args ...interface{}) *DomainError {
	return &DomainError{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
	}
}

// AsDomain unwraps err to a *DomainError if one is in the chain.
func AsDomain(err error) (*DomainError, bool) {
	var de *DomainError
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}
