package billing

import (
	"testing"

	"github.com/google/uuid"
)

// TestChargeIDIsDeterministic locks in the property the sweep's idempotence
// rests on: the same (store, period) always derives the same transaction id,
// and different periods or stores never collide.
func TestChargeIDIsDeterministic(t *testing.T) {
	storeA := uuid.New()
	storeB := uuid.New()

	if ChargeID(storeA, "2026-08-01") != ChargeID(storeA, "2026-08-01") {
		t.Fatal("same store and period derived different charge ids")
	}
	if ChargeID(storeA, "2026-08-01") == ChargeID(storeA, "2026-08-02") {
		t.Fatal("different periods derived the same charge id")
	}
	if ChargeID(storeA, "2026-08-01") == ChargeID(storeB, "2026-08-01") {
		t.Fatal("different stores derived the same charge id")
	}
}
