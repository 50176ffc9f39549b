package auth

import (
	"context"
	"errors"
	"testing"
)

func TestVerifierRejectsEmptyToken(t *testing.T) {
	v := NewVerifier(func(context.Context, string) (DeviceRecord, bool, error) {
		t.Fatal("lookup should not be called for an empty token")
		return DeviceRecord{}, false, nil
	})
	if _, err := v.Verify(context.Background(), "  "); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestVerifierRejectsUnknownToken(t *testing.T) {
	v := NewVerifier(func(context.Context, string) (DeviceRecord, bool, error) {
		return DeviceRecord{}, false, nil
	})
	if _, err := v.Verify(context.Background(), "some-token"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestVerifierRejectsRevokedToken(t *testing.T) {
	v := NewVerifier(func(context.Context, string) (DeviceRecord, bool, error) {
		return DeviceRecord{DeviceID: "fwd-1", Kind: DeviceKindForwarder, Revoked: true}, true, nil
	})
	if _, err := v.Verify(context.Background(), "some-token"); !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("expected ErrTokenRevoked, got %v", err)
	}
}

func TestVerifierAcceptsValidToken(t *testing.T) {
	want := DeviceRecord{DeviceID: "fwd-1", Kind: DeviceKindForwarder}
	var gotHash string
	v := NewVerifier(func(_ context.Context, hash string) (DeviceRecord, bool, error) {
		gotHash = hash
		return want, true, nil
	})
	got, err := v.Verify(context.Background(), "raw-token")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
	if gotHash != HashToken("raw-token") {
		t.Fatalf("lookup received unexpected hash %q", gotHash)
	}
}
