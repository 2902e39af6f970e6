package rotation_test

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/systmms/kvrotate/internal/devops"
	"github.com/systmms/kvrotate/internal/directory"
	dserrors "github.com/systmms/kvrotate/internal/errors"
	"github.com/systmms/kvrotate/internal/lease"
	"github.com/systmms/kvrotate/internal/notifications"
	"github.com/systmms/kvrotate/internal/policy"
	"github.com/systmms/kvrotate/internal/rotation"
	"github.com/systmms/kvrotate/internal/vault"
	"github.com/systmms/kvrotate/tests/fakes"
	"github.com/systmms/kvrotate/tests/testutil"
)

const (
	vaultName  = testutil.VaultName
	secretName = testutil.SecretName
	appID      = testutil.ApplicationID
	project    = testutil.ProjectName
	connection = testutil.ConnectionName
)

var fixedNow = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type recordingNotifier struct {
	mu     sync.Mutex
	events []notifications.RotationEvent
}

func (r *recordingNotifier) Send(ev notifications.RotationEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingNotifier) types() []notifications.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]notifications.EventType, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

func (r *recordingNotifier) last() notifications.RotationEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

type harness struct {
	kv        *fakes.FakeAzureKeyVaultClient
	dir       *fakes.FakeDirectory
	endpoints *fakes.FakeServiceEndpoints
	locker    *lease.LocalLocker
	notifier  *recordingNotifier
	logs      *testutil.TestLogger
	pipeline  *rotation.Pipeline
	objectID  string
	opened    []string
}

func defaultTags() map[string]*string {
	return testutil.RotationTags(appID, 12)
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		kv:        fakes.NewFakeAzureKeyVaultClient(),
		dir:       fakes.NewFakeDirectory(),
		endpoints: fakes.NewFakeServiceEndpoints(),
		locker:    lease.NewLocalLocker(50 * time.Millisecond),
		notifier:  &recordingNotifier{},
		logs:      testutil.NewTestLogger(t),
	}
	h.kv.AddSecretWithTags(secretName, "old-value", defaultTags())
	h.objectID = h.dir.AddApplication(appID, "deploy-spn",
		directory.PasswordCredential{KeyID: "old-key", DisplayName: secretName})
	h.endpoints.AddServicePrincipalConnection(project, connection, appID, "old-value")

	h.build(h.dir)
	return h
}

// build wires the pipeline with api as the directory.
func (h *harness) build(api directory.API) {
	opener := func(name string) (*vault.Store, error) {
		h.opened = append(h.opened, name)
		return vault.NewStore(name, h.kv), nil
	}
	updater := devops.NewUpdater(&fakes.StaticCredential{Token: "ado-token"},
		devops.WithClientFactory(h.endpoints.Factory()))

	h.pipeline = rotation.NewPipeline(opener, directory.NewRotator(api, nil), updater,
		rotation.WithLocker(h.locker),
		rotation.WithNotifier(h.notifier),
		rotation.WithLogger(h.logs.Logger),
		rotation.WithClock(func() time.Time { return fixedNow }),
	)
}

// interruptingDirectory runs hook before each AddPassword.
type interruptingDirectory struct {
	*fakes.FakeDirectory
	hook func()
}

func (d interruptingDirectory) AddPassword(ctx context.Context, objectID string, cred directory.PasswordCredential) (*directory.PasswordCredential, error) {
	d.hook()
	return d.FakeDirectory.AddPassword(ctx, objectID, cred)
}

func body(vault, secret string) []byte {
	return testutil.NotificationJSON(vault, secret)
}

func (h *harness) assertNoWrites(t *testing.T) {
	t.Helper()
	assert.Zero(t, h.kv.SetCallCount(), "vault must not be written")
	assert.Empty(t, h.dir.RemoveCalls, "no password may be removed")
	assert.Empty(t, h.dir.AddCalls, "no password may be added")
	assert.Empty(t, h.endpoints.UpdateCalls, "service connection must not be updated")
}

func TestPipeline_RotatesAllThreeSystems(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	res, err := h.pipeline.Handle(context.Background(), body(vaultName, secretName))
	require.NoError(t, err)

	wantExpiry := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, rotation.OutcomeRotated, res.Outcome)
	assert.Equal(t, rotation.StageDone, res.Stage)
	assert.Equal(t, vaultName, res.Vault)
	assert.Equal(t, secretName, res.Secret)
	assert.Equal(t, appID, res.ApplicationID)
	assert.NotEmpty(t, res.InvocationID)
	require.NotNil(t, res.ExpiresOn)
	assert.True(t, wantExpiry.Equal(*res.ExpiresOn))
	assert.Equal(t, []string{vaultName}, h.opened)

	// directory: one removal of the same-named credential, one addition
	require.Len(t, h.dir.RemoveCalls, 1)
	assert.Equal(t, "old-key", h.dir.RemoveCalls[0].KeyID)
	require.Len(t, h.dir.AddCalls, 1)
	added := h.dir.AddCalls[0].Credential
	assert.Equal(t, secretName, added.DisplayName)
	assert.True(t, wantExpiry.Equal(*added.EndDateTime))
	assert.True(t, fixedNow.Equal(*added.StartDateTime))
	newSecret := h.dir.LastSecretText()

	// vault: new version with the new value, same tags, new expiry
	latest := h.kv.Latest(secretName)
	require.NotNil(t, latest)
	assert.Equal(t, newSecret, *latest.Value)
	assert.Equal(t, res.NewVersion, latest.Version)
	assert.True(t, wantExpiry.Equal(*latest.Attributes.Expires))
	assert.True(t, *latest.Attributes.Enabled)
	require.Len(t, latest.Tags, len(defaultTags()))
	for k, v := range defaultTags() {
		assert.Equal(t, *v, *latest.Tags[k], "tag %s", k)
	}

	// devops: only the key changed
	params := h.endpoints.Parameters(project, connection)
	assert.Equal(t, newSecret, params[devops.KeyParameter])
	assert.Equal(t, appID, params["serviceprincipalid"])

	assert.Equal(t, []notifications.EventType{notifications.EventTypeStarted, notifications.EventTypeCompleted}, h.notifier.types())
	assert.Equal(t, res.NewVersion, h.notifier.last().NewVersion)
	assert.Equal(t, 0, h.locker.Held())

	h.logs.AssertMessage(t, "rotation completed")
	for _, entry := range h.logs.Entries("rotation completed") {
		assert.Equal(t, res.InvocationID, entry.ContextMap()["invocation_id"])
		assert.Equal(t, vaultName, entry.ContextMap()["vault"])
		assert.Equal(t, secretName, entry.ContextMap()["secret"])
	}
	testutil.AssertNoSecretLeak(t, h.logs.GetOutput(), []string{newSecret, "old-value"})
}

func TestPipeline_RedeliveryConverges(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	_, err := h.pipeline.Handle(context.Background(), body(vaultName, secretName))
	require.NoError(t, err)
	_, err = h.pipeline.Handle(context.Background(), body(vaultName, secretName))
	require.NoError(t, err)

	var named int
	for _, p := range h.dir.Passwords(h.objectID) {
		if p.DisplayName == secretName {
			named++
		}
	}
	assert.Equal(t, 1, named, "each rotation replaces the previous credential")
	assert.Equal(t, h.dir.LastSecretText(), *h.kv.Latest(secretName).Value)
	assert.Equal(t, h.dir.LastSecretText(), h.endpoints.Parameters(project, connection)[devops.KeyParameter])
}

func TestPipeline_DecodeErrorMakesNoRemoteCalls(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	res, err := h.pipeline.Handle(context.Background(), []byte(`{"data":{"vaultName":"kv-prod"}}`))
	require.Error(t, err)

	var stageErr rotation.StageError
	require.True(t, stderrors.As(err, &stageErr))
	assert.Equal(t, rotation.StageReceived, stageErr.Stage)
	assert.Equal(t, "decode", dserrors.Kind(err))
	assert.Equal(t, rotation.OutcomeFailed, res.Outcome)
	assert.Empty(t, h.opened)
	assert.Empty(t, h.dir.FindCalls)
	h.assertNoWrites(t)
}

func TestPipeline_MissingDurationFailsBeforeRotation(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	tags := defaultTags()
	delete(tags, policy.TagDurationMonths)
	h.kv.AddSecretWithTags(secretName, "old-value", tags)

	_, err := h.pipeline.Handle(context.Background(), body(vaultName, secretName))
	require.Error(t, err)

	var perr dserrors.PolicyError
	require.True(t, stderrors.As(err, &perr))
	assert.Equal(t, policy.TagDurationMonths, perr.Tag)

	var stageErr rotation.StageError
	require.True(t, stderrors.As(err, &stageErr))
	assert.Equal(t, rotation.StageSecretFetched, stageErr.Stage)
	assert.False(t, stageErr.Partial())
	assert.Empty(t, h.dir.FindCalls)
	h.assertNoWrites(t)
}

func TestPipeline_NoApplicationIsSkipped(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	tags := defaultTags()
	tags[policy.TagApplicationID] = to.Ptr("99999999-0000-0000-0000-000000000000")
	h.kv.AddSecretWithTags(secretName, "old-value", tags)

	res, err := h.pipeline.Handle(context.Background(), body(vaultName, secretName))
	require.NoError(t, err)
	assert.Equal(t, rotation.OutcomeSkipped, res.Outcome)
	assert.Equal(t, rotation.StageSecretFetched, res.Stage)
	assert.Empty(t, res.NewVersion)
	h.assertNoWrites(t)
	assert.Equal(t, []notifications.EventType{notifications.EventTypeStarted, notifications.EventTypeSkipped}, h.notifier.types())
}

func TestPipeline_AmbiguousApplication(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.dir.AddApplication(appID, "duplicate")

	_, err := h.pipeline.Handle(context.Background(), body(vaultName, secretName))
	testutil.AssertErrorKind(t, err, "ambiguous_match")
	h.assertNoWrites(t)
}

func TestPipeline_SecretNotFound(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	_, err := h.pipeline.Handle(context.Background(), body(vaultName, "does-not-exist"))
	require.Error(t, err)

	var notFound dserrors.NotFoundError
	require.True(t, stderrors.As(err, &notFound))
	assert.Equal(t, "secret", notFound.Kind)
	assert.Equal(t, rotation.StageDecoded, err.(rotation.StageError).Stage)
}

func TestPipeline_VaultWriteFailureIsPartial(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.kv.SetErrors[secretName] = fakes.AzureThrottledError()

	res, err := h.pipeline.Handle(context.Background(), body(vaultName, secretName))
	require.Error(t, err)

	assert.True(t, rotation.IsPartial(err))
	assert.Equal(t, "quota", dserrors.Kind(err))
	assert.True(t, dserrors.IsRetryable(err))
	assert.Equal(t, rotation.StageCredentialRotated, res.Stage)
	assert.Len(t, h.dir.AddCalls, 1)
	assert.Empty(t, h.endpoints.UpdateCalls)

	last := h.notifier.last()
	assert.Equal(t, notifications.EventTypeFailed, last.Type)
	assert.Equal(t, notifications.StatusPartial, last.Status)
	assert.Equal(t, "quota", last.Metadata["error_kind"])
	assert.Equal(t, 0, h.locker.Held())

	h.logs.AssertMessage(t, "partial rotation: application credential changed but not propagated everywhere")
	testutil.AssertNoSecretLeak(t, h.logs.GetOutput(), []string{h.dir.LastSecretText()})
}

func TestPipeline_AddFailureAfterRemovalIsPartial(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.dir.AddErr = dserrors.TransportError{Service: "directory", Op: "add password", Err: stderrors.New("graph 503")}

	res, err := h.pipeline.Handle(context.Background(), body(vaultName, secretName))
	require.Error(t, err)

	assert.True(t, rotation.IsPartial(err))
	assert.Equal(t, rotation.StageAppResolved, res.Stage)
	var removed directory.CredentialRemovedError
	require.True(t, stderrors.As(err, &removed))
	assert.Equal(t, "old-key", removed.KeyID)
	assert.Equal(t, "transport", dserrors.Kind(err))

	assert.Len(t, h.dir.RemoveCalls, 1)
	assert.Empty(t, h.dir.Passwords(h.objectID))
	assert.Equal(t, "old-value", *h.kv.Latest(secretName).Value)

	last := h.notifier.last()
	assert.Equal(t, notifications.EventTypeFailed, last.Type)
	assert.Equal(t, notifications.StatusPartial, last.Status)
	h.logs.AssertMessage(t, "partial rotation: application credential changed but not propagated everywhere")
}

func TestPipeline_CancelDuringRotationStillCompletes(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.build(interruptingDirectory{FakeDirectory: h.dir, hook: cancel})

	res, err := h.pipeline.Handle(ctx, body(vaultName, secretName))
	require.NoError(t, err)
	require.Error(t, ctx.Err())

	assert.Equal(t, rotation.OutcomeRotated, res.Outcome)
	newSecret := h.dir.LastSecretText()
	assert.Equal(t, newSecret, *h.kv.Latest(secretName).Value)
	assert.Equal(t, newSecret, h.endpoints.Parameters(project, connection)[devops.KeyParameter])
	assert.Equal(t, 0, h.locker.Held())
}

func TestPipeline_CancelBeforeRotationWritesNothing(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.pipeline.Handle(ctx, body(vaultName, secretName))
	require.Error(t, err)
	assert.False(t, rotation.IsPartial(err))
	h.assertNoWrites(t)
}

func TestPipeline_ServiceConnectionMissing(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	tags := defaultTags()
	tags[policy.TagConnectionName] = to.Ptr("renamed-connection")
	h.kv.AddSecretWithTags(secretName, "old-value", tags)

	res, err := h.pipeline.Handle(context.Background(), body(vaultName, secretName))
	require.Error(t, err)
	assert.Equal(t, "not_found", dserrors.Kind(err))
	assert.Equal(t, rotation.StageVaultUpdated, res.Stage)
	assert.True(t, rotation.IsPartial(err))
	assert.NotEmpty(t, res.NewVersion)
}

func TestPipeline_SameSecretIsSerialised(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	held, err := h.locker.Acquire(context.Background(), lease.Key(vaultName, secretName))
	require.NoError(t, err)

	_, err = h.pipeline.Handle(context.Background(), body(vaultName, secretName))
	testutil.AssertErrorKind(t, err, "lease")
	assert.Empty(t, h.opened)
	h.assertNoWrites(t)

	require.NoError(t, held.Release(context.Background()))
	_, err = h.pipeline.Handle(context.Background(), body(vaultName, secretName))
	require.NoError(t, err)
}

func TestStage_Reached(t *testing.T) {
	t.Parallel()

	assert.True(t, rotation.StageVaultUpdated.Reached(rotation.StageCredentialRotated))
	assert.True(t, rotation.StageCredentialRotated.Reached(rotation.StageCredentialRotated))
	assert.False(t, rotation.StageAppResolved.Reached(rotation.StageCredentialRotated))

	assert.False(t, rotation.StageError{Stage: rotation.StageAppResolved}.Partial())
	assert.True(t, rotation.StageError{Stage: rotation.StageServiceConnectionUpdated}.Partial())
	assert.True(t, rotation.StageError{Stage: rotation.StageAppResolved, CredentialRemoved: true}.Partial())
	assert.False(t, rotation.StageError{Stage: rotation.StageDone}.Partial())
}
