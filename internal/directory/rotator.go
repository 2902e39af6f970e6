package directory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	dserrors "github.com/systmms/kvrotate/internal/errors"
	"github.com/systmms/kvrotate/internal/logging"
	"github.com/systmms/kvrotate/internal/secure"
	"go.uber.org/zap"
)

// API is the Graph surface needed to rotate an application password.
type API interface {
	FindApplications(ctx context.Context, appID string) ([]Application, error)
	RemovePassword(ctx context.Context, objectID, keyID string) error
	AddPassword(ctx context.Context, objectID string, cred PasswordCredential) (*PasswordCredential, error)
}

var _ API = (*Client)(nil)

// ErrEmptySecretText is returned when Graph accepts a new password credential
// but returns no secret text for it.
var ErrEmptySecretText = errors.New("directory returned an empty secret text")

// CredentialRemovedError is returned by Rotate when the previous credential
// was deleted but no replacement could be registered. Secrets issued for the
// removed credential no longer authenticate.
type CredentialRemovedError struct {
	KeyID string
	Err   error
}

func (e CredentialRemovedError) Error() string {
	return fmt.Sprintf("password credential %s removed but not replaced: %v", e.KeyID, e.Err)
}

func (e CredentialRemovedError) Unwrap() error {
	return e.Err
}

// Rotator replaces named password credentials on applications.
type Rotator struct {
	api    API
	logger *logging.Logger
}

// NewRotator creates a Rotator over api.
func NewRotator(api API, logger *logging.Logger) *Rotator {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Rotator{api: api, logger: logger}
}

// FindApplication returns the single application registered with appID, or
// nil when there is none.
func (r *Rotator) FindApplication(ctx context.Context, appID string) (*Application, error) {
	apps, err := r.api.FindApplications(ctx, appID)
	if err != nil {
		return nil, err
	}
	switch len(apps) {
	case 0:
		return nil, nil
	case 1:
		return &apps[0], nil
	default:
		return nil, dserrors.AmbiguousMatchError{Kind: "application", Key: appID, Count: len(apps)}
	}
}

// Rotate removes the first password credential named displayName, if any, and
// registers a fresh one valid from start until validUntil. The returned
// credential holds the new secret text and must be destroyed by the caller.
// Failures after the removal are wrapped in CredentialRemovedError.
func (r *Rotator) Rotate(ctx context.Context, app *Application, displayName string, start, validUntil time.Time) (*secure.Credential, error) {
	log := r.logger.With(zap.String("application_object_id", app.ID), zap.String("credential", displayName))

	removed := ""
	for _, existing := range app.PasswordCredentials {
		if !strings.EqualFold(existing.DisplayName, displayName) {
			continue
		}
		if err := r.api.RemovePassword(ctx, app.ID, existing.KeyID); err != nil {
			return nil, err
		}
		removed = existing.KeyID
		log.Info("removed previous password credential", zap.String("key_id", existing.KeyID))
		break
	}
	afterRemoval := func(err error) error {
		if removed == "" {
			return err
		}
		return CredentialRemovedError{KeyID: removed, Err: err}
	}

	start = start.UTC()
	end := validUntil.UTC()
	added, err := r.api.AddPassword(ctx, app.ID, PasswordCredential{
		DisplayName:   displayName,
		StartDateTime: &start,
		EndDateTime:   &end,
	})
	if err != nil {
		return nil, afterRemoval(err)
	}

	cred, err := secure.NewCredential(added.SecretText)
	added.SecretText = ""
	if err != nil {
		return nil, afterRemoval(dserrors.TransportError{Service: "directory", Op: "add password", Err: ErrEmptySecretText})
	}

	log.Info("added password credential",
		zap.String("key_id", added.KeyID),
		zap.Time("end_date_time", end))
	return cred, nil
}
