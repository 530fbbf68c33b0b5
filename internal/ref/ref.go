// Package ref implements the opaque signed refs exchanged between client
// and gateway channel sessions during flow setup (§4.8-9, §9 design notes).
// A ref binds (session id, socket ref, resource id, preshared key, ICE
// credentials) into a length-prefixed binary payload, then signs it with
// HMAC-SHA256 under a key derived from the process-wide symmetric secret via
// HKDF, domain-separated by the context string "gateway_reply_ref".
package ref

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"

	"github.com/boundarymesh/controlplane/internal/coreerr"
	"github.com/boundarymesh/controlplane/internal/domain"
)

// domainSeparation is the context string every signing key is derived
// under, so a secret reused elsewhere can never be replayed as a ref.
const domainSeparation = "gateway_reply_ref"

const macSize = sha256.Size

// FlowRef is the decoded form of a signed reply ref: the tuple a client
// channel session signs when it asks a gateway to authorize a flow, and the
// gateway channel verifies before honoring the reply.
type FlowRef struct {
	SessionID      string
	SocketRef      string
	ResourceID     uuid.UUID
	PresharedKey   string
	ICECredentials domain.ICECredentials
}

// Signer signs and verifies FlowRefs under one symmetric secret.
type Signer struct {
	key []byte
}

// NewSigner derives a 32-byte signing key from secret via HKDF-SHA256 under
// the domain-separation context string. secret must be non-empty.
func NewSigner(secret string) (*Signer, error) {
	if secret == "" {
		return nil, fmt.Errorf("ref: signing secret must not be empty")
	}
	kdf := hkdf.New(sha256.New, []byte(secret), nil, []byte(domainSeparation))
	key := make([]byte, sha256.Size)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("derive ref signing key: %w", err)
	}
	return &Signer{key: key}, nil
}

// Sign serializes r and appends an HMAC-SHA256 tag, returning an opaque
// byte string safe to hand to the peer channel as a reply ref.
func (s *Signer) Sign(r FlowRef) []byte {
	payload := encode(r)
	mac := hmac.New(sha256.New, s.key)
	mac.Write(payload)
	tag := mac.Sum(nil)
	return append(payload, tag...)
}

// Verify checks token's signature and decodes the tuple it carries.
// Returns coreerr.InvalidRef if the token is malformed or tampered.
func (s *Signer) Verify(token []byte) (FlowRef, error) {
	if len(token) < macSize {
		return FlowRef{}, coreerr.New(coreerr.InvalidRef, nil)
	}
	payload, tag := token[:len(token)-macSize], token[len(token)-macSize:]

	mac := hmac.New(sha256.New, s.key)
	mac.Write(payload)
	expected := mac.Sum(nil)
	if !hmac.Equal(expected, tag) {
		return FlowRef{}, coreerr.New(coreerr.InvalidRef, nil)
	}

	r, err := decode(payload)
	if err != nil {
		return FlowRef{}, coreerr.New(coreerr.InvalidRef, err)
	}
	return r, nil
}

func encode(r FlowRef) []byte {
	var buf bytes.Buffer
	writeString(&buf, r.SessionID)
	writeString(&buf, r.SocketRef)
	idBytes := r.ResourceID
	buf.Write(idBytes[:])
	writeString(&buf, r.PresharedKey)
	writeString(&buf, r.ICECredentials.Username)
	writeString(&buf, r.ICECredentials.Password)
	return buf.Bytes()
}

func decode(payload []byte) (FlowRef, error) {
	buf := bytes.NewReader(payload)

	sessionID, err := readString(buf)
	if err != nil {
		return FlowRef{}, err
	}
	socketRef, err := readString(buf)
	if err != nil {
		return FlowRef{}, err
	}
	var idBytes [16]byte
	if _, err := io.ReadFull(buf, idBytes[:]); err != nil {
		return FlowRef{}, err
	}
	presharedKey, err := readString(buf)
	if err != nil {
		return FlowRef{}, err
	}
	username, err := readString(buf)
	if err != nil {
		return FlowRef{}, err
	}
	password, err := readString(buf)
	if err != nil {
		return FlowRef{}, err
	}
	if buf.Len() != 0 {
		return FlowRef{}, fmt.Errorf("trailing bytes in ref payload")
	}

	return FlowRef{
		SessionID:    sessionID,
		SocketRef:    socketRef,
		ResourceID:   uuid.UUID(idBytes),
		PresharedKey: presharedKey,
		ICECredentials: domain.ICECredentials{
			Username: username,
			Password: password,
		},
	}, nil
}

func writeString(buf *bytes.Buffer, s string) {
	var lenBytes [4]byte
	binary.BigEndian.PutUint32(lenBytes[:], uint32(len(s)))
	buf.Write(lenBytes[:])
	buf.WriteString(s)
}

func readString(r *bytes.Reader) (string, error) {
	var lenBytes [4]byte
	if _, err := io.ReadFull(r, lenBytes[:]); err != nil {
		return "", err
	}
	n := binary.BigEndian.Uint32(lenBytes[:])
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}
