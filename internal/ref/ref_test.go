package ref

import (
	"testing"

	"github.com/google/uuid"

	"github.com/boundarymesh/controlplane/internal/coreerr"
	"github.com/boundarymesh/controlplane/internal/domain"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	signer, err := NewSigner("super-secret")
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}

	want := FlowRef{
		SessionID:    "sess-123",
		SocketRef:    "ref-1",
		ResourceID:   uuid.New(),
		PresharedKey: "psk-abc",
		ICECredentials: domain.ICECredentials{
			Username: "iceuser",
			Password: "icepass",
		},
	}

	token := signer.Sign(want)
	got, err := signer.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if got != want {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, want)
	}
}

func TestVerifyRejectsBitFlip(t *testing.T) {
	signer, err := NewSigner("super-secret")
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}

	token := signer.Sign(FlowRef{
		SessionID:    "sess-123",
		SocketRef:    "ref-1",
		ResourceID:   uuid.New(),
		PresharedKey: "psk-abc",
	})
	token[0] ^= 0xFF

	_, err = signer.Verify(token)
	if !coreerr.Is(err, coreerr.InvalidRef) {
		t.Fatalf("expected invalid_ref, got %v", err)
	}
}

func TestVerifyRejectsTruncated(t *testing.T) {
	signer, err := NewSigner("super-secret")
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}

	_, err = signer.Verify([]byte("short"))
	if !coreerr.Is(err, coreerr.InvalidRef) {
		t.Fatalf("expected invalid_ref, got %v", err)
	}
}

func TestVerifyRejectsDifferentSecret(t *testing.T) {
	a, _ := NewSigner("secret-a")
	b, _ := NewSigner("secret-b")

	token := a.Sign(FlowRef{SessionID: "s", SocketRef: "r", ResourceID: uuid.New()})
	if _, err := b.Verify(token); !coreerr.Is(err, coreerr.InvalidRef) {
		t.Fatalf("expected invalid_ref across differing secrets, got %v", err)
	}
}
