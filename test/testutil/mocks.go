package testutil

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/TheMichaelB/weavesync/internal/models"
)

// MockRecordFetcher mocks the keyring's record source.
type MockRecordFetcher struct {
	mock.Mock
}

// FetchRecord returns the configured envelope for url.
func (m *MockRecordFetcher) FetchRecord(ctx context.Context, url string) (*models.Envelope, error) {
	args := m.Called(ctx, url)
	if env := args.Get(0); env != nil {
		return env.(*models.Envelope), args.Error(1)
	}
	return nil, args.Error(1)
}
