package errors

import (
	"errors"
	"net/http"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/microsoft/azure-devops-go-api/azuredevops/v7"
)

// Classify maps an error returned by a remote call into the taxonomy used by
// the rotation pipeline. Errors that already belong to the taxonomy are
// returned unchanged. name identifies the object the call was about and is
// used for NotFoundError.
func Classify(service, op, kind, name string, err error) error {
	if err == nil {
		return nil
	}
	if isTyped(err) {
		return err
	}

	status := statusCode(err)
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return AuthError{Service: service, Op: op, StatusCode: status, Err: err}
	case status == http.StatusNotFound:
		return NotFoundError{Kind: kind, Name: name, Err: err}
	case status == http.StatusTooManyRequests:
		return QuotaError{Service: service, Op: op, StatusCode: status, Err: err}
	default:
		return TransportError{Service: service, Op: op, Err: err}
	}
}

// StatusCode extracts the HTTP status carried by an Azure SDK or Azure DevOps
// error, or 0 when there is none.
func StatusCode(err error) int {
	return statusCode(err)
}

func statusCode(err error) int {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode
	}

	for e := err; e != nil; e = errors.Unwrap(e) {
		switch w := e.(type) {
		case azuredevops.WrappedError:
			if w.StatusCode != nil {
				return *w.StatusCode
			}
		case *azuredevops.WrappedError:
			if w != nil && w.StatusCode != nil {
				return *w.StatusCode
			}
		}
	}
	return 0
}

func isTyped(err error) bool {
	var (
		decode     DecodeError
		pol        PolicyError
		resolution AuthResolutionError
		auth       AuthError
		notFound   NotFoundError
		quota      QuotaError
		transport  TransportError
		ambiguous  AmbiguousMatchError
		lease      LeaseError
	)
	return errors.As(err, &decode) ||
		errors.As(err, &pol) ||
		errors.As(err, &resolution) ||
		errors.As(err, &auth) ||
		errors.As(err, &notFound) ||
		errors.As(err, &quota) ||
		errors.As(err, &transport) ||
		errors.As(err, &ambiguous) ||
		errors.As(err, &lease)
}
