// Package auth implements the HTTP Signature scheme the cloud API uses to
// authenticate requests: an Authorization header carrying an RSA signature
// computed over the Date header with one of the account's registered keys.
package auth

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"os"
	"regexp"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
)

var keyIDRegexp = regexp.MustCompile(`^/([^/]+)/keys/([^/]+)$`)

// AuthenticationError is returned when no usable key material is found for
// the configured key id.
type AuthenticationError struct {
	Op  string
	Err error
}

func (e *AuthenticationError) Error() string {
	if e.Err == nil {
		return "authentication: " + e.Op
	}
	return fmt.Sprintf("authentication: %s: %v", e.Op, e.Err)
}

// we do not implement Cause(), because we want errors.Cause() to bottom
// out at the typed error

func (e *AuthenticationError) Unwrap() error { return e.Err }

// ParseKeyID splits a key id of the form "/<account>/keys/<name>" into its
// account and key name parts.
func ParseKeyID(keyID string) (login, keyName string, err error) {
	m := keyIDRegexp.FindStringSubmatch(keyID)
	if m == nil {
		return "", "", errors.Errorf("malformed key id %q, expected \"/<account>/keys/<name>\"", keyID)
	}
	return m[1], m[2], nil
}

// A Signer produces the signature placed in the Authorization header. The
// message is the canonical "date: <value>" line.
type Signer interface {
	KeyID() string
	Sign(message []byte) (algorithm string, signature []byte, err error)
}

// SignRequest sets the Date header if absent and attaches an Authorization
// header computed by the signer. It has no other side effects on the request.
func SignRequest(req *http.Request, signer Signer) error {
	date := req.Header.Get("Date")
	if date == "" {
		date = time.Now().UTC().Format(http.TimeFormat)
		req.Header.Set("Date", date)
	}

	algorithm, signature, err := signer.Sign([]byte("date: " + date))
	if err != nil {
		return err
	}

	req.Header.Set("Authorization", fmt.Sprintf(
		"Signature keyId=%q,algorithm=%q,signature=%q",
		signer.KeyID(), algorithm, base64.StdEncoding.EncodeToString(signature)))
	return nil
}

// KeySigner signs with an in-process RSA private key.
type KeySigner struct {
	keyID string
	key   *rsa.PrivateKey
}

// NewKeySigner builds a signer from PEM-encoded private key material. Both
// PKCS#1/PKCS#8 and OpenSSH encodings are accepted.
func NewKeySigner(keyID string, pemBytes []byte) (*KeySigner, error) {
	parsed, err := ssh.ParseRawPrivateKey(pemBytes)
	if err != nil {
		return nil, &AuthenticationError{Op: "parsing private key", Err: err}
	}

	rsaKey, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, &AuthenticationError{Op: fmt.Sprintf("unsupported private key type %T", parsed)}
	}

	return &KeySigner{keyID: keyID, key: rsaKey}, nil
}

// NewKeySignerFromFile builds a signer from a private key file on disk.
func NewKeySignerFromFile(keyID, path string) (*KeySigner, error) {
	pemBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, &AuthenticationError{Op: "reading private key file", Err: err}
	}
	return NewKeySigner(keyID, pemBytes)
}

func (s *KeySigner) KeyID() string { return s.keyID }

func (s *KeySigner) Sign(message []byte) (string, []byte, error) {
	digest := sha256.Sum256(message)
	signature, err := rsa.SignPKCS1v15(rand.Reader, s.key, crypto.SHA256, digest[:])
	if err != nil {
		return "", nil, &AuthenticationError{Op: "signing request", Err: err}
	}
	return "rsa-sha256", signature, nil
}

// AgentSigner delegates signing to the SSH agent at SSH_AUTH_SOCK, using the
// agent key whose comment or fingerprint matches the key name in the key id.
type AgentSigner struct {
	keyID string
	conn  net.Conn
	agent agent.Agent
	key   *agent.Key
}

// NewAgentSigner connects to the local SSH agent and selects a signing key
// matching the given key id.
func NewAgentSigner(keyID string) (*AgentSigner, error) {
	_, keyName, err := ParseKeyID(keyID)
	if err != nil {
		return nil, &AuthenticationError{Op: "parsing key id", Err: err}
	}

	sock := os.Getenv("SSH_AUTH_SOCK")
	if sock == "" {
		return nil, &AuthenticationError{Op: "no SSH agent available (SSH_AUTH_SOCK unset)"}
	}

	conn, err := net.Dial("unix", sock)
	if err != nil {
		return nil, &AuthenticationError{Op: "connecting to SSH agent", Err: err}
	}

	ag := agent.NewClient(conn)
	keys, err := ag.List()
	if err != nil {
		conn.Close()
		return nil, &AuthenticationError{Op: "listing SSH agent keys", Err: err}
	}

	for _, key := range keys {
		if !agentKeyMatches(key, keyName) {
			continue
		}
		return &AgentSigner{keyID: keyID, conn: conn, agent: ag, key: key}, nil
	}

	conn.Close()
	return nil, &AuthenticationError{Op: fmt.Sprintf("SSH agent holds no key matching %q", keyName)}
}

func agentKeyMatches(key *agent.Key, keyName string) bool {
	if key.Comment == keyName {
		return true
	}
	return ssh.FingerprintSHA256(key) == keyName || ssh.FingerprintLegacyMD5(key) == keyName
}

func (s *AgentSigner) KeyID() string { return s.keyID }

func (s *AgentSigner) Sign(message []byte) (string, []byte, error) {
	signature, err := s.agent.Sign(s.key, message)
	if err != nil {
		return "", nil, &AuthenticationError{Op: "signing request via SSH agent", Err: err}
	}

	algorithm, ok := signatureAlgorithms[signature.Format]
	if !ok {
		return "", nil, &AuthenticationError{Op: fmt.Sprintf("unsupported agent signature format %q", signature.Format)}
	}
	return algorithm, signature.Blob, nil
}

// Close releases the agent connection. KeySigner has nothing to release.
func (s *AgentSigner) Close() error { return s.conn.Close() }

var signatureAlgorithms = map[string]string{
	ssh.KeyAlgoRSA:       "rsa-sha1",
	ssh.KeyAlgoRSASHA256: "rsa-sha256",
	ssh.KeyAlgoRSASHA512: "rsa-sha512",
	ssh.KeyAlgoED25519:   "ed25519",
	ssh.KeyAlgoECDSA256:  "ecdsa-sha256",
	ssh.KeyAlgoECDSA384:  "ecdsa-sha384",
	ssh.KeyAlgoECDSA521:  "ecdsa-sha512",
}
