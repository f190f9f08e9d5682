package coiningress

import (
	"context"
	"time"

	"github.com/coinwifi/gateway/slotmanager"
	"github.com/coinwifi/gateway/store"
)

// StoreResolver implements SlotResolver by reading the claim currently
// recorded against a coin slot row, the same row the Portal API's
// Claim/Release calls maintain.
type StoreResolver struct {
	store *store.Store
}

// NewStoreResolver builds a SlotResolver backed by s.
func NewStoreResolver(s *store.Store) *StoreResolver {
	return &StoreResolver{store: s}
}

// CurrentHolder reports the identity currently holding slotNumber, or
// false if the slot is unclaimed or its claim has lapsed.
func (r *StoreResolver) CurrentHolder(slotNumber int64) (slotmanager.Identity, bool) {
	slot, err := r.store.GetSlot(context.Background(), slotNumber)
	if err != nil || slot.Status != store.SlotClaimed || (slot.ExpiresAt != nil && slot.ExpiresAt.Before(time.Now())) {
		return slotmanager.Identity{}, false
	}
	return slotmanager.Identity{IP: slot.ClaimedByIP, MAC: slot.ClaimedByMAC, Token: slot.ClaimedBySessionToken}, true
}
