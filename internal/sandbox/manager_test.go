package sandbox

import (
	"context"
	"errors"
	"testing"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	return NewManager(Config{Limits: ResourceLimits{QuotaBytes: 1 << 20}}, nil, nil)
}

func TestCreateSandbox_Intersection(t *testing.T) {
	m := newTestManager(t)

	sb, err := m.CreateSandbox(context.Background(), CreateRequest{
		ServiceID: "svc-data",
		Level:     LevelNormal,
		Requested: []Capability{CapStorageRead, CapStorageWrite, CapNetworkOutbound, CapSystemAdmin},
	})
	if err != nil {
		t.Fatalf("CreateSandbox() error = %v", err)
	}

	caps := sb.Capabilities()
	if !caps.HasAll(CapStorageRead, CapStorageWrite, CapNetworkOutbound) {
		t.Errorf("granted = %v, missing requested in-ceiling capabilities", caps.List())
	}
	if caps.Has(CapSystemAdmin) {
		t.Error("system.admin granted to a normal-level sandbox")
	}

	id := sb.Identity()
	if id.ServiceID != "svc-data" || id.Level != LevelNormal {
		t.Errorf("identity = %+v, want svc-data/normal", id)
	}
}

func TestCreateSandbox_RequiredDenied(t *testing.T) {
	m := newTestManager(t)

	_, err := m.CreateSandbox(context.Background(), CreateRequest{
		ServiceID: "svc-compute",
		Level:     LevelUntrusted,
		Requested: []Capability{CapStorageRead, CapCryptoSign},
		Required:  []Capability{CapCryptoSign},
	})
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("CreateSandbox() error = %v, want ErrPermissionDenied", err)
	}

	var capErr *CapabilityError
	if !errors.As(err, &capErr) {
		t.Fatal("error is not a *CapabilityError")
	}
	if capErr.Capability != CapCryptoSign {
		t.Errorf("denied capability = %s, want crypto.sign", capErr.Capability)
	}

	// Nothing may be registered after a denied create.
	if _, err := m.Get("svc-compute"); !errors.Is(err, ErrSandboxNotFound) {
		t.Errorf("Get after denied create error = %v, want ErrSandboxNotFound", err)
	}
}

func TestCreateSandbox_Duplicate(t *testing.T) {
	m := newTestManager(t)
	req := CreateRequest{ServiceID: "svc-dup", Level: LevelNormal}

	if _, err := m.CreateSandbox(context.Background(), req); err != nil {
		t.Fatalf("first CreateSandbox() error = %v", err)
	}
	if _, err := m.CreateSandbox(context.Background(), req); !errors.Is(err, ErrSandboxExists) {
		t.Errorf("second CreateSandbox() error = %v, want ErrSandboxExists", err)
	}
}

func TestCreateSandbox_EmptyServiceID(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.CreateSandbox(context.Background(), CreateRequest{}); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("CreateSandbox(empty) error = %v, want ErrInvalidRequest", err)
	}
}

func TestCreateSandbox_LimitsOverCeiling(t *testing.T) {
	m := newTestManager(t)

	_, err := m.CreateSandbox(context.Background(), CreateRequest{
		ServiceID:  "svc-greedy",
		Level:      LevelNormal,
		QuotaBytes: 11 << 30,
	})
	if !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("CreateSandbox(over-ceiling quota) error = %v, want ErrInvalidRequest", err)
	}
	if _, err := m.Get("svc-greedy"); !errors.Is(err, ErrSandboxNotFound) {
		t.Errorf("Get after rejected create error = %v, want ErrSandboxNotFound", err)
	}
}

func TestCheckCapability_FailClosed(t *testing.T) {
	m := newTestManager(t)

	// Unknown sandbox fails the same way as a missing token.
	if err := m.CheckCapability("ghost", CapStorageRead); !errors.Is(err, ErrPermissionDenied) {
		t.Errorf("CheckCapability(unknown) error = %v, want ErrPermissionDenied", err)
	}

	if _, err := m.CreateSandbox(context.Background(), CreateRequest{
		ServiceID: "svc-min",
		Level:     LevelNormal,
		Requested: []Capability{CapBusPublish},
	}); err != nil {
		t.Fatalf("CreateSandbox() error = %v", err)
	}

	if err := m.CheckCapability("svc-min", CapBusPublish); err != nil {
		t.Errorf("CheckCapability(granted) error = %v, want nil", err)
	}
	if err := m.CheckCapability("svc-min", CapCryptoSign); !errors.Is(err, ErrPermissionDenied) {
		t.Errorf("CheckCapability(ungranted) error = %v, want ErrPermissionDenied", err)
	}
}

func TestDestroy(t *testing.T) {
	m := newTestManager(t)

	if _, err := m.CreateSandbox(context.Background(), CreateRequest{ServiceID: "svc-tmp", Level: LevelNormal}); err != nil {
		t.Fatalf("CreateSandbox() error = %v", err)
	}
	if err := m.Destroy("svc-tmp"); err != nil {
		t.Fatalf("Destroy() error = %v", err)
	}
	if err := m.Destroy("svc-tmp"); !errors.Is(err, ErrSandboxNotFound) {
		t.Errorf("Destroy(gone) error = %v, want ErrSandboxNotFound", err)
	}
	if len(m.List()) != 0 {
		t.Errorf("List() after destroy length = %d, want 0", len(m.List()))
	}
}

func TestVerifyPeer(t *testing.T) {
	tests := []struct {
		name    string
		strict  bool
		peer    PeerInfo
		want    string
		wantErr bool
	}{
		{"verified always passes", true, PeerInfo{ServiceID: "svc-a", Verified: true, Mechanism: "mtls"}, "svc-a", false},
		{"unverified rejected in strict", true, PeerInfo{ServiceID: "svc-a", Mechanism: "header"}, "", true},
		{"unverified accepted in dev", false, PeerInfo{ServiceID: "svc-a", Mechanism: "header"}, "svc-a", false},
		{"empty identity rejected", false, PeerInfo{}, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewManager(Config{StrictPeers: tt.strict}, nil, nil)
			got, err := m.VerifyPeer(tt.peer)
			if (err != nil) != tt.wantErr {
				t.Fatalf("VerifyPeer() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr && !errors.Is(err, ErrUnverifiedPeer) {
				t.Errorf("VerifyPeer() error = %v, want ErrUnverifiedPeer", err)
			}
			if got != tt.want {
				t.Errorf("VerifyPeer() = %q, want %q", got, tt.want)
			}
		})
	}
}
