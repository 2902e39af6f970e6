// Package event decodes the Key Vault Event Grid notifications that trigger a
// rotation.
package event

import (
	"encoding/json"
	"errors"
	"regexp"
	"strings"
	"time"

	dserrors "github.com/systmms/kvrotate/internal/errors"
)

// EventTypeSecretNearExpiry is the Event Grid type Key Vault publishes when a
// secret is about to expire.
const EventTypeSecretNearExpiry = "Microsoft.KeyVault.SecretNearExpiry"

var (
	vaultNamePattern  = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9-]{1,22}[A-Za-z0-9]$`)
	secretNamePattern = regexp.MustCompile(`^[A-Za-z0-9-]{1,127}$`)
)

// Notification is one Event Grid event describing a Key Vault secret.
type Notification struct {
	ID              string          `json:"id"`
	Topic           string          `json:"topic"`
	Subject         string          `json:"subject"`
	EventType       string          `json:"eventType"`
	Data            SecretEventData `json:"data"`
	DataVersion     string          `json:"dataVersion"`
	MetadataVersion string          `json:"metadataVersion"`
	EventTime       time.Time       `json:"eventTime"`
}

// SecretEventData is the Key Vault specific payload of a Notification.
type SecretEventData struct {
	ID         string    `json:"id"`
	VaultName  string    `json:"vaultName"`
	ObjectType string    `json:"objectType"`
	ObjectName string    `json:"objectName"`
	Version    string    `json:"version"`
	NotBefore  NotBefore `json:"nbf"`
	Expires    int64     `json:"exp"`
}

// ExpiresAt converts the exp field to a time. Zero exp yields the zero time.
func (d SecretEventData) ExpiresAt() time.Time {
	if d.Expires == 0 {
		return time.Time{}
	}
	return time.Unix(d.Expires, 0).UTC()
}

// Decode parses a notification body. It fails with a DecodeError when the
// body is not JSON, does not match the envelope schema, or lacks the vault or
// secret name. Unknown fields are ignored.
func Decode(body []byte) (*Notification, error) {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return nil, dserrors.DecodeError{Reason: "empty message"}
	}
	if !json.Valid([]byte(trimmed)) {
		return nil, dserrors.DecodeError{Reason: "message is not valid JSON"}
	}

	if err := validateSchema([]byte(trimmed)); err != nil {
		var violation schemaViolation
		if errors.As(err, &violation) {
			return nil, dserrors.DecodeError{Field: violation.field, Reason: violation.Error()}
		}
		return nil, dserrors.DecodeError{Reason: "schema validation failed", Err: err}
	}

	var n Notification
	if err := json.Unmarshal([]byte(trimmed), &n); err != nil {
		if errors.Is(err, errInvalidNotBefore) {
			return nil, dserrors.DecodeError{Field: "data.nbf", Reason: err.Error()}
		}
		return nil, dserrors.DecodeError{Reason: "malformed notification", Err: err}
	}

	if err := n.validate(); err != nil {
		return nil, err
	}
	return &n, nil
}

// Encode writes the notification back in Event Grid form.
func Encode(n *Notification) ([]byte, error) {
	return json.Marshal(n)
}

func (n *Notification) validate() error {
	switch {
	case n.Data.VaultName == "":
		return dserrors.DecodeError{Field: "data.vaultName", Reason: "required"}
	case !vaultNamePattern.MatchString(n.Data.VaultName):
		return dserrors.DecodeError{Field: "data.vaultName", Reason: "not a valid Key Vault name"}
	case n.Data.ObjectName == "":
		return dserrors.DecodeError{Field: "data.objectName", Reason: "required"}
	case !secretNamePattern.MatchString(n.Data.ObjectName):
		return dserrors.DecodeError{Field: "data.objectName", Reason: "not a valid secret name"}
	}
	return nil
}
