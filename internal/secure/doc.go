// Package secure keeps freshly issued credential material encrypted in memory
// between the moment the directory returns it and the moment it has been
// written to Key Vault and Azure DevOps.
//
// The secret text of a new password credential can only be read once from the
// directory, so it is sealed into a memguard enclave right away. Consumers call
// Reveal for the short window in which they need the plaintext and Destroy the
// Credential once propagation has finished.
//
//	cred, err := secure.NewCredential(text)
//	if err != nil {
//	    return err
//	}
//	defer cred.Destroy()
//
//	value, err := cred.Reveal()
//
// On Linux, memory locking requires an adequate RLIMIT_MEMLOCK; when mlock is
// unavailable memguard continues with ordinary memory.
package secure
