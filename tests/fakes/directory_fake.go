package fakes

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/systmms/kvrotate/internal/directory"
)

// FakeDirectory is an in-memory Graph application store implementing
// directory.API.
type FakeDirectory struct {
	mu sync.Mutex

	// Applications keyed by object id.
	Applications map[string]*directory.Application

	// FindErr, RemoveErr and AddErr force the matching call to fail.
	FindErr   error
	RemoveErr error
	AddErr    error
	// EmptySecretText makes AddPassword return no secret text.
	EmptySecretText bool

	FindCalls   []string
	RemoveCalls []RemovePasswordCall
	AddCalls    []AddPasswordCall

	issued int
}

// RemovePasswordCall is a recorded RemovePassword invocation.
type RemovePasswordCall struct {
	ObjectID string
	KeyID    string
}

// AddPasswordCall is a recorded AddPassword invocation.
type AddPasswordCall struct {
	ObjectID   string
	Credential directory.PasswordCredential
}

var _ directory.API = (*FakeDirectory)(nil)

// NewFakeDirectory creates an empty directory.
func NewFakeDirectory() *FakeDirectory {
	return &FakeDirectory{Applications: make(map[string]*directory.Application)}
}

// AddApplication registers an application and returns its object id.
func (f *FakeDirectory) AddApplication(appID, displayName string, passwords ...directory.PasswordCredential) string {
	f.mu.Lock()
	defer f.mu.Unlock()

	objectID := uuid.NewString()
	f.Applications[objectID] = &directory.Application{
		ID:                  objectID,
		AppID:               appID,
		DisplayName:         displayName,
		PasswordCredentials: append([]directory.PasswordCredential(nil), passwords...),
	}
	return objectID
}

// Passwords returns a copy of the password credentials on an application.
func (f *FakeDirectory) Passwords(objectID string) []directory.PasswordCredential {
	f.mu.Lock()
	defer f.mu.Unlock()
	app, ok := f.Applications[objectID]
	if !ok {
		return nil
	}
	return append([]directory.PasswordCredential(nil), app.PasswordCredentials...)
}

// LastSecretText returns the secret text most recently issued by AddPassword.
func (f *FakeDirectory) LastSecretText() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return secretTextFor(f.issued)
}

// FindApplications returns copies of every application with the given appId.
func (f *FakeDirectory) FindApplications(ctx context.Context, appID string) ([]directory.Application, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.FindCalls = append(f.FindCalls, appID)
	if f.FindErr != nil {
		return nil, f.FindErr
	}

	var out []directory.Application
	for _, app := range f.Applications {
		if strings.EqualFold(app.AppID, appID) {
			cp := *app
			cp.PasswordCredentials = append([]directory.PasswordCredential(nil), app.PasswordCredentials...)
			out = append(out, cp)
		}
	}
	return out, nil
}

// RemovePassword deletes a password credential by key id.
func (f *FakeDirectory) RemovePassword(ctx context.Context, objectID, keyID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	f.RemoveCalls = append(f.RemoveCalls, RemovePasswordCall{ObjectID: objectID, KeyID: keyID})
	if f.RemoveErr != nil {
		return f.RemoveErr
	}

	app, ok := f.Applications[objectID]
	if !ok {
		return fmt.Errorf("application %s not found", objectID)
	}
	for i, p := range app.PasswordCredentials {
		if p.KeyID == keyID {
			app.PasswordCredentials = append(app.PasswordCredentials[:i], app.PasswordCredentials[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("password credential %s not found", keyID)
}

// AddPassword registers a password credential and issues deterministic
// secret text ("secret-text-1", "secret-text-2", ...).
func (f *FakeDirectory) AddPassword(ctx context.Context, objectID string, cred directory.PasswordCredential) (*directory.PasswordCredential, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	f.AddCalls = append(f.AddCalls, AddPasswordCall{ObjectID: objectID, Credential: cred})
	if f.AddErr != nil {
		return nil, f.AddErr
	}

	app, ok := f.Applications[objectID]
	if !ok {
		return nil, fmt.Errorf("application %s not found", objectID)
	}

	f.issued++
	stored := cred
	stored.KeyID = uuid.NewString()
	stored.Hint = "sec"
	app.PasswordCredentials = append(app.PasswordCredentials, stored)

	out := stored
	if !f.EmptySecretText {
		out.SecretText = secretTextFor(f.issued)
	}
	return &out, nil
}

func secretTextFor(n int) string {
	if n == 0 {
		return ""
	}
	return fmt.Sprintf("secret-text-%d", n)
}
