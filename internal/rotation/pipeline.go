// Package rotation drives a single secret-near-expiry notification through
// credential rotation in Entra ID, Key Vault and Azure DevOps.
package rotation

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/systmms/kvrotate/internal/directory"
	dserrors "github.com/systmms/kvrotate/internal/errors"
	"github.com/systmms/kvrotate/internal/event"
	"github.com/systmms/kvrotate/internal/lease"
	"github.com/systmms/kvrotate/internal/logging"
	"github.com/systmms/kvrotate/internal/metrics"
	"github.com/systmms/kvrotate/internal/notifications"
	"github.com/systmms/kvrotate/internal/policy"
	"github.com/systmms/kvrotate/internal/secure"
	"github.com/systmms/kvrotate/internal/vault"
	"go.uber.org/zap"
)

// ApplicationRotator finds application registrations and replaces their
// password credentials.
type ApplicationRotator interface {
	FindApplication(ctx context.Context, appID string) (*directory.Application, error)
	Rotate(ctx context.Context, app *directory.Application, displayName string, start, validUntil time.Time) (*secure.Credential, error)
}

// ConnectionUpdater writes a new service principal key to a service
// connection.
type ConnectionUpdater interface {
	UpdateConnection(ctx context.Context, accountURL, project, name string, secret *secure.Credential) error
}

// Result describes one handled notification.
type Result struct {
	InvocationID  string        `json:"invocation_id" yaml:"invocation_id"`
	Vault         string        `json:"vault,omitempty" yaml:"vault,omitempty"`
	Secret        string        `json:"secret,omitempty" yaml:"secret,omitempty"`
	Outcome       Outcome       `json:"outcome" yaml:"outcome"`
	Stage         Stage         `json:"stage" yaml:"stage"`
	ApplicationID string        `json:"application_id,omitempty" yaml:"application_id,omitempty"`
	NewVersion    string        `json:"new_version,omitempty" yaml:"new_version,omitempty"`
	ExpiresOn     *time.Time    `json:"expires_on,omitempty" yaml:"expires_on,omitempty"`
	Error         string        `json:"error,omitempty" yaml:"error,omitempty"`
	Duration      time.Duration `json:"duration" yaml:"duration"`
}

// Pipeline runs notifications through the rotation state machine. It is safe
// for concurrent use; rotations of the same secret are serialised by the
// locker.
type Pipeline struct {
	vaults      vault.Opener
	apps        ApplicationRotator
	connections ConnectionUpdater
	locker      lease.Locker
	notifier    notifications.Sender
	metrics     *metrics.RotationMetrics
	logger      *logging.Logger
	now         func() time.Time
	newID       func() string

	// commitTimeout bounds the remote writes, which ignore cancellation of
	// the caller's context once the application credential is touched.
	commitTimeout time.Duration
}

// DefaultCommitTimeout bounds the credential, vault and service connection
// writes of one rotation.
const DefaultCommitTimeout = 5 * time.Minute

// Option customises a Pipeline.
type Option func(*Pipeline)

// WithLocker sets the per-secret locker. The default is an in-process locker.
func WithLocker(l lease.Locker) Option {
	return func(p *Pipeline) { p.locker = l }
}

// WithNotifier sets where lifecycle events are sent.
func WithNotifier(n notifications.Sender) Option {
	return func(p *Pipeline) { p.notifier = n }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithClock replaces time.Now, which decides credential expiry.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// WithCommitTimeout bounds the writes to the three systems.
func WithCommitTimeout(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.commitTimeout = d
		}
	}
}

// NewPipeline wires the three remote systems into a pipeline.
func NewPipeline(vaults vault.Opener, apps ApplicationRotator, connections ConnectionUpdater, opts ...Option) *Pipeline {
	p := &Pipeline{
		vaults:      vaults,
		apps:        apps,
		connections: connections,
		locker:      lease.NewLocalLocker(0),
		metrics:     metrics.NewRotationMetrics(),
		logger:      logging.NewNop(),
		now:         time.Now,
		newID:       uuid.NewString,

		commitTimeout: DefaultCommitTimeout,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// run carries the state of one invocation.
type run struct {
	res     *Result
	log     *logging.Logger
	started time.Time
	// removed is set once the previous application credential is gone.
	removed bool
}

// Handle decodes body and rotates the secret it names. The returned Result is
// never nil. On failure the error is a StageError.
func (p *Pipeline) Handle(ctx context.Context, body []byte) (*Result, error) {
	r := &run{
		res:     &Result{InvocationID: p.newID(), Stage: StageReceived},
		started: p.now(),
	}
	r.log = p.logger.With(zap.String("invocation_id", r.res.InvocationID))

	n, err := event.Decode(body)
	if err != nil {
		return p.fail(r, err)
	}
	return p.rotate(ctx, r, n)
}

// HandleNotification rotates the secret named by an already decoded
// notification.
func (p *Pipeline) HandleNotification(ctx context.Context, n *event.Notification) (*Result, error) {
	r := &run{
		res:     &Result{InvocationID: p.newID(), Stage: StageReceived},
		started: p.now(),
	}
	r.log = p.logger.With(zap.String("invocation_id", r.res.InvocationID))
	return p.rotate(ctx, r, n)
}

func (p *Pipeline) rotate(ctx context.Context, r *run, n *event.Notification) (*Result, error) {
	res := r.res
	res.Vault = n.Data.VaultName
	res.Secret = n.Data.ObjectName
	res.Stage = StageDecoded
	r.log = r.log.With(zap.String("vault", res.Vault), zap.String("secret", res.Secret))

	if n.EventType != event.EventTypeSecretNearExpiry {
		r.log.Warn("unexpected event type, rotating anyway", zap.String("event_type", n.EventType))
	}
	r.log.Info("rotation started",
		zap.String("event_id", n.ID),
		zap.String("secret_version", n.Data.Version))
	p.metrics.RecordRotationStarted(res.Vault)
	p.notify(r, notifications.EventTypeStarted, notifications.StatusInProgress, nil)

	held, err := p.locker.Acquire(ctx, lease.Key(res.Vault, res.Secret))
	if err != nil {
		return p.fail(r, err)
	}
	defer func() {
		if err := held.Release(context.WithoutCancel(ctx)); err != nil {
			r.log.Warn("lease release failed", zap.String("lease", held.Key()), zap.Error(err))
		}
	}()

	store, err := p.vaults(res.Vault)
	if err != nil {
		return p.fail(r, err)
	}
	current, err := store.Fetch(ctx, res.Secret)
	if err != nil {
		return p.fail(r, err)
	}
	res.Stage = StageSecretFetched
	r.log.Debug("secret fetched",
		zap.String("secret_version", current.Version),
		zap.Strings("tags", tagKeys(current.Tags)))

	pol, err := policy.Read(current.Tags)
	if err != nil {
		return p.fail(r, err)
	}
	res.ApplicationID = pol.ApplicationID

	app, err := p.apps.FindApplication(ctx, pol.ApplicationID)
	if err != nil {
		return p.fail(r, err)
	}
	if app == nil {
		return p.skip(r), nil
	}
	res.Stage = StageAppResolved
	r.log = r.log.With(zap.String("application_id", pol.ApplicationID))

	if err := ctx.Err(); err != nil {
		return p.fail(r, err)
	}
	// Writes below outlive ctx: stopping half way leaves the systems out of
	// sync.
	commit, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.commitTimeout)
	defer cancel()

	now := p.now()
	validUntil := pol.ValidUntil(now)
	cred, err := p.apps.Rotate(commit, app, current.Name, now, validUntil)
	if err != nil {
		var removed directory.CredentialRemovedError
		r.removed = errors.As(err, &removed)
		return p.fail(r, err)
	}
	defer cred.Destroy()
	res.Stage = StageCredentialRotated
	r.log.Info("application credential rotated",
		zap.String("application", app.DisplayName),
		zap.Time("expires_on", validUntil))

	value, err := cred.Reveal()
	if err != nil {
		return p.fail(r, err)
	}
	written, err := store.Write(commit, current.Rotated(value, validUntil))
	if err != nil {
		return p.fail(r, err)
	}
	res.Stage = StageVaultUpdated
	res.NewVersion = written.Version
	res.ExpiresOn = &validUntil
	r.log.Info("secret updated in vault", zap.String("new_version", written.Version))

	if err := p.connections.UpdateConnection(commit, pol.AccountURL, pol.ProjectName, pol.ConnectionName, cred); err != nil {
		return p.fail(r, err)
	}
	res.Stage = StageServiceConnectionUpdated
	r.log.Info("service connection updated",
		zap.String("service_connection", pol.ProjectName+"/"+pol.ConnectionName))

	res.Stage = StageDone
	res.Outcome = OutcomeRotated
	res.Duration = p.now().Sub(r.started)
	r.log.Info("rotation completed", zap.Duration("duration", res.Duration))
	p.metrics.RecordRotationCompleted(res.Vault, metrics.StatusSuccess, res.Duration.Seconds())
	p.notify(r, notifications.EventTypeCompleted, notifications.StatusSuccess, nil)
	return res, nil
}

func (p *Pipeline) skip(r *run) *Result {
	res := r.res
	res.Outcome = OutcomeSkipped
	res.Duration = p.now().Sub(r.started)
	r.log.Info("no application registered for secret, nothing to rotate",
		zap.String("application_id", res.ApplicationID))
	p.metrics.RecordRotationCompleted(res.Vault, metrics.StatusSkipped, res.Duration.Seconds())
	p.notify(r, notifications.EventTypeSkipped, notifications.StatusSkipped, nil)
	return res
}

func (p *Pipeline) fail(r *run, err error) (*Result, error) {
	res := r.res
	stageErr := StageError{Stage: res.Stage, Err: err, CredentialRemoved: r.removed}
	res.Outcome = OutcomeFailed
	res.Error = err.Error()
	res.Duration = p.now().Sub(r.started)

	kind := dserrors.Kind(err)
	fields := []zap.Field{
		zap.String("stage", string(res.Stage)),
		zap.String("error_kind", kind),
		zap.Bool("retryable", dserrors.IsRetryable(err)),
		zap.Error(err),
	}

	status := notifications.StatusFailure
	if stageErr.Partial() {
		status = notifications.StatusPartial
		r.log.Error("partial rotation: application credential changed but not propagated everywhere", fields...)
	} else {
		r.log.Error("rotation failed", fields...)
	}

	p.metrics.RecordStageFailure(string(res.Stage), kind)
	p.metrics.RecordRotationCompleted(vaultLabel(res.Vault), metrics.StatusFailed, res.Duration.Seconds())
	p.notify(r, notifications.EventTypeFailed, status, err)
	return res, stageErr
}

func (p *Pipeline) notify(r *run, t notifications.EventType, status notifications.RotationStatus, err error) {
	if p.notifier == nil {
		return
	}
	ev := notifications.RotationEvent{
		Type:          t,
		RotationID:    r.res.InvocationID,
		Vault:         r.res.Vault,
		Secret:        r.res.Secret,
		ApplicationID: r.res.ApplicationID,
		Stage:         string(r.res.Stage),
		Status:        status,
		Error:         err,
		NewVersion:    r.res.NewVersion,
		Timestamp:     p.now().UTC(),
	}
	if t != notifications.EventTypeStarted {
		ev.Duration = r.res.Duration
	}
	if err != nil {
		ev.Metadata = map[string]string{"error_kind": dserrors.Kind(err)}
	}
	p.notifier.Send(ev)
}

// IsPartial reports whether err is a rotation failure that left the systems
// out of sync.
func IsPartial(err error) bool {
	var stageErr StageError
	return errors.As(err, &stageErr) && stageErr.Partial()
}

func vaultLabel(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}

func tagKeys(tags map[string]string) []string {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
