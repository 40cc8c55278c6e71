package jobutil

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOf_WrappedChain(t *testing.T) {
	base := E(ArtifactMissing, "fetch image", errors.New("404"))
	wrapped := fmt.Errorf("collect: %w", base)

	if got := KindOf(wrapped); got != ArtifactMissing {
		t.Errorf("expected ArtifactMissing, got %s", got)
	}
	if !Is(wrapped, ArtifactMissing) {
		t.Error("Is should match through wrapping")
	}
	if Is(nil, ArtifactMissing) {
		t.Error("Is(nil) should be false")
	}
}

func TestKindOf_Unclassified(t *testing.T) {
	if got := KindOf(errors.New("boom")); got != Internal {
		t.Errorf("expected Internal, got %s", got)
	}
}

func TestKindCodes(t *testing.T) {
	tests := []struct {
		kind Kind
		want string
	}{
		{BackendUnreachable, "BACKEND_UNREACHABLE"},
		{BackendRejected, "BACKEND_REJECTED"},
		{Timeout, "TIMEOUT"},
		{StorageUnavailable, "STORAGE_UNAVAILABLE"},
		{WebhookDeliveryFailed, "WEBHOOK_DELIVERY_FAILED"},
		{ConfigurationInvalid, "CONFIGURATION_INVALID"},
		{Kind(99), "INTERNAL"},
	}
	for _, tt := range tests {
		if got := tt.kind.Code(); got != tt.want {
			t.Errorf("Kind(%d).Code() = %q, want %q", tt.kind, got, tt.want)
		}
	}
}

func TestError_Message(t *testing.T) {
	err := Errorf(Timeout, "poll", "gave up after %d attempts", 3)
	if err.Error() != "poll: gave up after 3 attempts" {
		t.Errorf("unexpected message: %q", err.Error())
	}
	if got := (&Error{Kind: Timeout}).Error(); got != "TIMEOUT" {
		t.Errorf("unexpected bare message: %q", got)
	}
}

func TestDescribe(t *testing.T) {
	if Describe(nil) != nil {
		t.Error("expected nil detail for nil error")
	}
	d := Describe(E(StorageUnavailable, "upload", errors.New("access denied")))
	if d.Code != "STORAGE_UNAVAILABLE" || d.Message != "upload: access denied" {
		t.Errorf("unexpected detail: %+v", d)
	}
}
