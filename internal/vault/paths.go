package vault

import "fmt"

// Path layout under the KV v2 mount. Each client has one credential secret
// whose KV version history carries the rotation lifecycle: a rotation writes
// the new secret as a new version, soft-deletes the old one to deprecate it,
// and destroys it to finish.
//
//	credentials/{clientID}/current        credential document (versioned)
//	credentials/{clientID}/rotation       rotation state record
//	tokens/signing-key                    HMAC signing material
const (
	credentialRoot = "credentials"
	signingKeyPath = "tokens/signing-key"
)

// CredentialPath is the credential document for a client.
func CredentialPath(clientID string) string {
	return fmt.Sprintf("%s/%s/current", credentialRoot, clientID)
}

// RotationStatePath is the durable record of a client's rotation.
func RotationStatePath(clientID string) string {
	return fmt.Sprintf("%s/%s/rotation", credentialRoot, clientID)
}

// SigningKeyPath is the token signing-key document.
func SigningKeyPath() string {
	return signingKeyPath
}

// CredentialListPrefix is the prefix to list all client credential trees.
func CredentialListPrefix() string {
	return credentialRoot
}
