// Package policy reads the rotation settings carried as tags on a Key Vault
// secret.
package policy

import (
	"net/url"
	"strconv"
	"strings"
	"time"

	dserrors "github.com/systmms/kvrotate/internal/errors"
)

// Tag names recognised on a rotatable secret.
const (
	TagApplicationID  = "azureADAppId"
	TagConnectionName = "azureDevOpsConnectionName"
	TagAccountURL     = "azureDevOpsAccountUrl"
	TagProjectName    = "azureDevOpsProjectName"
	TagDurationMonths = "SecretDurationInMonths"
)

// RequiredTags lists every tag Read insists on, in the order it checks them.
var RequiredTags = []string{
	TagApplicationID,
	TagConnectionName,
	TagAccountURL,
	TagProjectName,
	TagDurationMonths,
}

// Policy is the rotation configuration of one secret.
type Policy struct {
	ApplicationID  string
	ConnectionName string
	AccountURL     string
	ProjectName    string
	DurationMonths int
}

// Read extracts a Policy from secret tags. Every tag is required; the first
// missing or invalid one is reported as a PolicyError.
func Read(tags map[string]string) (Policy, error) {
	values := make(map[string]string, len(RequiredTags))
	for _, tag := range RequiredTags {
		v := strings.TrimSpace(tags[tag])
		if v == "" {
			return Policy{}, dserrors.PolicyError{Tag: tag, Reason: "tag is missing or empty"}
		}
		values[tag] = v
	}

	months, err := strconv.Atoi(values[TagDurationMonths])
	if err != nil {
		return Policy{}, dserrors.PolicyError{
			Tag:    TagDurationMonths,
			Value:  values[TagDurationMonths],
			Reason: "must be a whole number of months",
		}
	}
	if months <= 0 {
		return Policy{}, dserrors.PolicyError{
			Tag:    TagDurationMonths,
			Value:  values[TagDurationMonths],
			Reason: "must be greater than zero",
		}
	}

	accountURL := values[TagAccountURL]
	if err := checkAccountURL(accountURL); err != nil {
		return Policy{}, dserrors.PolicyError{Tag: TagAccountURL, Value: accountURL, Reason: err.Error()}
	}

	return Policy{
		ApplicationID:  values[TagApplicationID],
		ConnectionName: values[TagConnectionName],
		AccountURL:     strings.TrimRight(accountURL, "/"),
		ProjectName:    values[TagProjectName],
		DurationMonths: months,
	}, nil
}

type reason string

func (r reason) Error() string { return string(r) }

func checkAccountURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return reason("not a valid URL")
	}
	if !strings.EqualFold(u.Scheme, "https") {
		return reason("must be an https URL")
	}
	if u.Host == "" {
		return reason("must include a host")
	}
	return nil
}

// ValidUntil returns the expiry of a credential minted at now.
func (p Policy) ValidUntil(now time.Time) time.Time {
	return AddMonths(now.UTC(), p.DurationMonths)
}

// AddMonths adds calendar months, clamping the day to the end of the target
// month so that Jan 31 + 1 month is the last day of February.
func AddMonths(t time.Time, months int) time.Time {
	y, m, d := t.Date()
	first := time.Date(y, m+time.Month(months), 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	if last := daysIn(first); d > last {
		d = last
	}
	return first.AddDate(0, 0, d-1)
}

func daysIn(t time.Time) int {
	return time.Date(t.Year(), t.Month()+1, 0, 0, 0, 0, 0, t.Location()).Day()
}
