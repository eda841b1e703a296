package protocol

import "testing"

func TestIsKnownCode(t *testing.T) {
	cases := []string{
		"",
		ErrProtoBadRequest,
		ErrTenantNotFound,
		ErrTenantInactive,
		ErrTenantPaused,
		ErrQuotaExceeded,
		ErrBadRequest,
		ErrBadIntensity,
		ErrMissingDuration,
		ErrUnknownShock,
		ErrAlreadyRunning,
		ErrNotRunning,
		ErrRateLimit,
		ErrConflict,
		ErrInternal,
	}
	for _, c := range cases {
		if !IsKnownCode(c) {
			t.Fatalf("expected known code: %q", c)
		}
	}
	if IsKnownCode("E_NOT_DEFINED") {
		t.Fatalf("expected unknown code rejected")
	}
}

func TestValidCategory(t *testing.T) {
	for _, c := range []Category{CategoryInfrastructure, CategoryEmergent, CategoryPuzzle, CategoryObservation} {
		if !ValidCategory(c) {
			t.Fatalf("expected valid category: %q", c)
		}
	}
	if ValidCategory("metrics") {
		t.Fatalf("expected invalid category rejected")
	}
}
