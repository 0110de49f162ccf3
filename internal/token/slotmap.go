package token

import (
	"fmt"

	"github.com/remiblancher/qpiv/pkg/piv"
)

// ykcs11KeyID returns the CKA_ID a PIV PKCS#11 module (ykcs11) uses for
// the objects of a slot: 9a=1, 9c=2, 9d=3, 9e=4, retired 82..95 = 5..24,
// attestation f9=25.
func ykcs11KeyID(slot piv.SlotID) (byte, error) {
	switch {
	case slot == piv.SlotAuthentication:
		return 1, nil
	case slot == piv.SlotSignature:
		return 2, nil
	case slot == piv.SlotKeyManagement:
		return 3, nil
	case slot == piv.SlotCardAuthentication:
		return 4, nil
	case piv.IsRetired(slot):
		return byte(slot-piv.SlotRetired1) + 5, nil
	case slot == piv.SlotAttestation:
		return 25, nil
	default:
		return 0, fmt.Errorf("%w: slot %s has no PKCS#11 object id", piv.ErrInvalidSlot, slot)
	}
}

// slotForKeyID is the inverse of ykcs11KeyID.
func slotForKeyID(id byte) (piv.SlotID, error) {
	switch {
	case id == 1:
		return piv.SlotAuthentication, nil
	case id == 2:
		return piv.SlotSignature, nil
	case id == 3:
		return piv.SlotKeyManagement, nil
	case id == 4:
		return piv.SlotCardAuthentication, nil
	case id >= 5 && id <= 24:
		return piv.SlotRetired1 + piv.SlotID(id-5), nil
	case id == 25:
		return piv.SlotAttestation, nil
	default:
		return 0, fmt.Errorf("%w: unknown PKCS#11 object id %d", piv.ErrInvalidSlot, id)
	}
}
