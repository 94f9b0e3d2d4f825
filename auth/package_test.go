package auth

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var authorizationRegexp = regexp.MustCompile(`^Signature keyId="([^"]+)",algorithm="([^"]+)",signature="([^"]+)"$`)

func generateTestKeyPEM(t *testing.T) (*rsa.PrivateKey, []byte) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	pemBytes := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	return key, pemBytes
}

func TestParseKeyID(t *testing.T) {
	login, keyName, err := ParseKeyID("/bob/keys/laptop")
	require.NoError(t, err)
	assert.Equal(t, "bob", login)
	assert.Equal(t, "laptop", keyName)

	for _, malformed := range []string{"", "bob/keys/laptop", "/bob/laptop", "/bob/keys/", "/bob/keys/a/b"} {
		_, _, err := ParseKeyID(malformed)
		assert.Error(t, err, "key id %q should not parse", malformed)
	}
}

func TestSignRequest(t *testing.T) {
	key, pemBytes := generateTestKeyPEM(t)

	signer, err := NewKeySigner("/bob/keys/laptop", pemBytes)
	require.NoError(t, err)

	req, err := http.NewRequest("GET", "https://example.com/bob/machines", nil)
	require.NoError(t, err)

	require.NoError(t, SignRequest(req, signer))

	date := req.Header.Get("Date")
	require.NotEmpty(t, date, "signing must set the Date header")

	m := authorizationRegexp.FindStringSubmatch(req.Header.Get("Authorization"))
	require.NotNil(t, m, "unexpected Authorization header %q", req.Header.Get("Authorization"))
	assert.Equal(t, "/bob/keys/laptop", m[1])
	assert.Equal(t, "rsa-sha256", m[2])

	signature, err := base64.StdEncoding.DecodeString(m[3])
	require.NoError(t, err)

	digest := sha256.Sum256([]byte("date: " + date))
	assert.NoError(t, rsa.VerifyPKCS1v15(&key.PublicKey, crypto.SHA256, digest[:], signature))
}

func TestSignRequestKeepsExistingDate(t *testing.T) {
	_, pemBytes := generateTestKeyPEM(t)

	signer, err := NewKeySigner("/bob/keys/laptop", pemBytes)
	require.NoError(t, err)

	req, err := http.NewRequest("GET", "https://example.com/bob/machines", nil)
	require.NoError(t, err)
	req.Header.Set("Date", "Mon, 02 Jan 2006 15:04:05 GMT")

	require.NoError(t, SignRequest(req, signer))
	assert.Equal(t, "Mon, 02 Jan 2006 15:04:05 GMT", req.Header.Get("Date"))
}

func TestNewKeySignerFromFile(t *testing.T) {
	_, pemBytes := generateTestKeyPEM(t)

	path := filepath.Join(t.TempDir(), "id_rsa")
	require.NoError(t, os.WriteFile(path, pemBytes, 0600))

	signer, err := NewKeySignerFromFile("/bob/keys/laptop", path)
	require.NoError(t, err)
	assert.Equal(t, "/bob/keys/laptop", signer.KeyID())
}

func TestNewKeySignerFromMissingFile(t *testing.T) {
	_, err := NewKeySignerFromFile("/bob/keys/laptop", filepath.Join(t.TempDir(), "nope"))
	require.Error(t, err)

	authErr, ok := err.(*AuthenticationError)
	require.True(t, ok, "expected *AuthenticationError, got %T", err)
	assert.Contains(t, authErr.Error(), "reading private key file")
}

func TestNewKeySignerBadMaterial(t *testing.T) {
	_, err := NewKeySigner("/bob/keys/laptop", []byte("not a key"))
	require.Error(t, err)
	_, ok := err.(*AuthenticationError)
	assert.True(t, ok, "expected *AuthenticationError, got %T", err)
}

func TestNewAgentSignerWithoutAgent(t *testing.T) {
	t.Setenv("SSH_AUTH_SOCK", "")

	_, err := NewAgentSigner("/bob/keys/laptop")
	require.Error(t, err)
	_, ok := err.(*AuthenticationError)
	assert.True(t, ok, "expected *AuthenticationError, got %T", err)
}
