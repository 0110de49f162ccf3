package token

import (
	"errors"
	"testing"

	"github.com/remiblancher/qpiv/pkg/piv"
)

func TestU_YKCS11KeyID(t *testing.T) {
	tests := []struct {
		name string
		slot piv.SlotID
		want byte
	}{
		{"[Unit] KeyID: authentication", piv.SlotAuthentication, 1},
		{"[Unit] KeyID: signature", piv.SlotSignature, 2},
		{"[Unit] KeyID: key management", piv.SlotKeyManagement, 3},
		{"[Unit] KeyID: card authentication", piv.SlotCardAuthentication, 4},
		{"[Unit] KeyID: first retired", piv.SlotRetired1, 5},
		{"[Unit] KeyID: last retired", piv.SlotRetired20, 24},
		{"[Unit] KeyID: attestation", piv.SlotAttestation, 25},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ykcs11KeyID(tt.slot)
			if err != nil {
				t.Fatalf("ykcs11KeyID() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("ykcs11KeyID(%s) = %d, want %d", tt.slot, got, tt.want)
			}
			back, err := slotForKeyID(got)
			if err != nil || back != tt.slot {
				t.Errorf("slotForKeyID(%d) = %s, %v", got, back, err)
			}
		})
	}
}

func TestU_YKCS11KeyID_Unknown(t *testing.T) {
	if _, err := ykcs11KeyID(piv.SlotID(0x42)); !errors.Is(err, piv.ErrInvalidSlot) {
		t.Errorf("ykcs11KeyID(0x42) error = %v, want ErrInvalidSlot", err)
	}
	if _, err := slotForKeyID(26); !errors.Is(err, piv.ErrInvalidSlot) {
		t.Errorf("slotForKeyID(26) error = %v, want ErrInvalidSlot", err)
	}
}

func TestU_ParseManagementKey(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"[Unit] ManagementKey: empty is default", "", false},
		{"[Unit] ManagementKey: default keyword", "Default", false},
		{"[Unit] ManagementKey: hex", "010203040506070801020304050607080102030405060708", false},
		{"[Unit] ManagementKey: 0x prefix", "0x010203040506070801020304050607080102030405060708", false},
		{"[Unit] ManagementKey: short", "0102", true},
		{"[Unit] ManagementKey: not hex", "zz", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key, err := ParseManagementKey(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseManagementKey(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if !tt.wantErr && len(key) != 24 {
				t.Errorf("len = %d, want 24", len(key))
			}
		})
	}
}

func TestU_ParseManagementKey_DefaultIsCopy(t *testing.T) {
	key, _ := ParseManagementKey("default")
	key[0] = 0xff
	again, _ := ParseManagementKey("default")
	if again[0] != 0x01 {
		t.Error("default management key was modified through a returned slice")
	}
}

func TestU_ResolveDefaults(t *testing.T) {
	pin, touch := resolveDefaults(piv.SlotSignature, piv.PinPolicyDefault, piv.TouchPolicyDefault)
	if pin != piv.PinPolicyAlways || touch != piv.TouchPolicyNever {
		t.Errorf("9c defaults = %s/%s", pin, touch)
	}
	pin, touch = resolveDefaults(piv.SlotAuthentication, piv.PinPolicyNever, piv.TouchPolicyAlways)
	if pin != piv.PinPolicyNever || touch != piv.TouchPolicyAlways {
		t.Errorf("explicit policies changed to %s/%s", pin, touch)
	}
}

func TestU_Open_UnknownBackend(t *testing.T) {
	if _, err := Open(t.Context(), Config{Backend: "smoke-signals"}); err == nil {
		t.Error("Open() accepted an unknown backend")
	}
	if _, err := Open(t.Context(), Config{Backend: BackendPKCS11}); err == nil {
		t.Error("Open() accepted pkcs11 without a module")
	}
}
