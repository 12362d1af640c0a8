package handler

import (
	"net/http"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/flasharb/internal/domain"
)

// VenueLister enumerates registered venues.
type VenueLister interface {
	List() []domain.SwapVenue
}

// VenueHandler serves the venue listing.
type VenueHandler struct {
	venues VenueLister
}

// NewVenueHandler creates a VenueHandler.
func NewVenueHandler(venues VenueLister) *VenueHandler {
	return &VenueHandler{venues: venues}
}

type venueView struct {
	Address common.Address   `json:"address"`
	Kind    domain.VenueKind `json:"kind"`
}

// ListVenues returns every registered venue.
// GET /api/venues
func (h *VenueHandler) ListVenues(w http.ResponseWriter, r *http.Request) {
	all := h.venues.List()
	out := make([]venueView, 0, len(all))
	for _, v := range all {
		out = append(out, venueView{Address: v.Address(), Kind: v.Kind()})
	}
	writeJSON(w, http.StatusOK, map[string]any{"venues": out})
}
