// Package fakes provides test doubles for the remote services kvrotate talks
// to.
//
// The fakes are in-memory, manually written implementations of the narrow
// client interfaces used by the vault, directory and devops packages. They
// record every call so tests can assert on exactly what was sent.
//
// Usage:
//
//	kv := fakes.NewFakeAzureKeyVaultClient()
//	kv.AddSecretWithTags("sp-password", "old", tags)
//	store := vault.NewStore("kv-prod", kv)
//	// exercise store.Fetch / store.Write ...
package fakes
