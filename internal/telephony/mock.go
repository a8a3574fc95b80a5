package telephony

import (
	"context"

	"github.com/google/uuid"
)

const mockSIDPrefix = "mock-"

// MockPlacer synthesizes call identifiers without any network call. Sessions it
// creates carry the mock marker and are otherwise handled like real ones.
type MockPlacer struct{}

func (MockPlacer) Name() string { return "mock" }

func (MockPlacer) Place(ctx context.Context, req PlaceRequest) (PlaceResult, error) {
	if err := validatePlaceRequest(req); err != nil {
		return PlaceResult{}, err
	}
	return PlaceResult{SID: mockSIDPrefix + uuid.NewString(), Mock: true}, nil
}
