package authgate

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"changedesk/internal/taskerr"
)

func TestStatic_Authenticate(t *testing.T) {
	gate := Static{Token: "s3cret"}

	ok := httptest.NewRequest(http.MethodGet, "/api/v1/tasks", nil)
	SetBearer(ok.Header, "s3cret")
	if err := gate.Authenticate(ok); err != nil {
		t.Fatalf("expected valid token to pass: %v", err)
	}

	wrong := httptest.NewRequest(http.MethodGet, "/api/v1/tasks", nil)
	SetBearer(wrong.Header, "nope")
	if err := gate.Authenticate(wrong); !errors.Is(err, taskerr.ErrAuthFailed) {
		t.Fatalf("expected AuthFailed, got %v", err)
	}

	missing := httptest.NewRequest(http.MethodGet, "/api/v1/tasks", nil)
	if err := gate.Authenticate(missing); !errors.Is(err, taskerr.ErrAuthFailed) {
		t.Fatalf("expected AuthFailed, got %v", err)
	}
}

func TestStatic_QueryTokenForWebsocket(t *testing.T) {
	gate := Static{Token: "s3cret"}
	r := httptest.NewRequest(http.MethodGet, "/ws?token=s3cret", nil)
	if err := gate.Authenticate(r); err != nil {
		t.Fatalf("expected query token to pass: %v", err)
	}
}

func TestStatic_DisabledWithoutToken(t *testing.T) {
	gate := Static{}
	if gate.Enabled() {
		t.Fatal("expected disabled gate")
	}
	if err := gate.Authenticate(httptest.NewRequest(http.MethodGet, "/", nil)); err != nil {
		t.Fatalf("disabled gate must pass everything: %v", err)
	}
}
