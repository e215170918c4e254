package repository

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"clinicbook/internal/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

type mockCache struct {
	mock.Mock
}

func (m *mockCache) GetOccupancy(ctx context.Context, dateKey string) ([]models.Occupancy, bool, error) {
	args := m.Called(ctx, dateKey)
	if args.Get(0) == nil {
		return nil, args.Bool(1), args.Error(2)
	}
	return args.Get(0).([]models.Occupancy), args.Bool(1), args.Error(2)
}

func (m *mockCache) OccupancyGeneration(ctx context.Context, dateKey string) (int64, error) {
	args := m.Called(ctx, dateKey)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockCache) SetOccupancy(ctx context.Context, dateKey string, generation int64, occ []models.Occupancy, ttl time.Duration) error {
	args := m.Called(ctx, dateKey, generation, occ, ttl)
	return args.Error(0)
}

func (m *mockCache) InvalidateOccupancy(ctx context.Context, dateKeys ...string) error {
	args := m.Called(ctx, dateKeys)
	return args.Error(0)
}

func (m *mockCache) CheckRateLimit(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	args := m.Called(ctx, key, limit, window)
	return args.Bool(0), args.Error(1)
}

func TestFailoverCacheRepository(t *testing.T) {
	primary := new(mockCache)
	fallback := new(mockCache)
	logger := zerolog.New(io.Discard)
	repo := NewFailoverCacheRepository(primary, fallback, &logger)
	ctx := context.Background()
	occ := []models.Occupancy{{StartAt: time.Date(2026, 2, 4, 8, 30, 0, 0, time.UTC)}}

	t.Run("PrimarySuccess", func(t *testing.T) {
		primary.On("GetOccupancy", ctx, "2026-02-04").Return(occ, true, nil).Once()

		got, ok, err := repo.GetOccupancy(ctx, "2026-02-04")
		assert.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, occ, got)
		primary.AssertExpectations(t)
	})

	t.Run("PrimaryFailFallbackSuccess", func(t *testing.T) {
		primary.On("GetOccupancy", ctx, "2026-02-05").Return(nil, false, errors.New("fail")).Once()
		fallback.On("GetOccupancy", ctx, "2026-02-05").Return(occ, true, nil).Once()

		got, ok, err := repo.GetOccupancy(ctx, "2026-02-05")
		assert.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, occ, got)
		assert.True(t, repo.isDown.Load())
		primary.AssertExpectations(t)
		fallback.AssertExpectations(t)
	})

	t.Run("AlreadyDownSkipsPrimary", func(t *testing.T) {
		repo.isDown.Store(true)
		repo.lastCheck = time.Now()
		fallback.On("CheckRateLimit", ctx, "ip:1", 10, time.Minute).Return(true, nil).Once()

		allowed, err := repo.CheckRateLimit(ctx, "ip:1", 10, time.Minute)
		assert.NoError(t, err)
		assert.True(t, allowed)
		fallback.AssertExpectations(t)
	})

	t.Run("RecoveryAttempt", func(t *testing.T) {
		repo.isDown.Store(true)
		repo.lastCheck = time.Now().Add(-2 * time.Minute)

		primary.On("SetOccupancy", ctx, "2026-02-06", int64(3), occ, time.Minute).Return(nil).Once()

		err := repo.SetOccupancy(ctx, "2026-02-06", 3, occ, time.Minute)
		assert.NoError(t, err)
		assert.False(t, repo.isDown.Load())
		primary.AssertExpectations(t)
	})

	t.Run("RecoveryAttemptFail", func(t *testing.T) {
		repo.isDown.Store(true)
		repo.lastCheck = time.Now().Add(-2 * time.Minute)

		primary.On("CheckRateLimit", ctx, "ip:2", 5, time.Minute).Return(false, errors.New("still fail")).Once()
		fallback.On("CheckRateLimit", ctx, "ip:2", 5, time.Minute).Return(false, nil).Once()

		allowed, err := repo.CheckRateLimit(ctx, "ip:2", 5, time.Minute)
		assert.NoError(t, err)
		assert.False(t, allowed)
		assert.True(t, repo.isDown.Load())
		primary.AssertExpectations(t)
		fallback.AssertExpectations(t)
	})

	t.Run("InvalidateClearsBothTiers", func(t *testing.T) {
		repo.isDown.Store(false)
		keys := []string{"2026-02-04", "2026-02-05"}
		primary.On("InvalidateOccupancy", ctx, keys).Return(nil).Once()
		fallback.On("InvalidateOccupancy", ctx, keys).Return(nil).Once()

		err := repo.InvalidateOccupancy(ctx, keys...)
		assert.NoError(t, err)
		primary.AssertExpectations(t)
		fallback.AssertExpectations(t)
	})

	t.Run("InvalidateWhileDownStillTriesPrimary", func(t *testing.T) {
		repo.isDown.Store(true)
		repo.lastCheck = time.Now()
		keys := []string{"2026-02-07"}
		primary.On("InvalidateOccupancy", ctx, keys).Return(nil).Once()
		fallback.On("InvalidateOccupancy", ctx, keys).Return(nil).Once()

		err := repo.InvalidateOccupancy(ctx, keys...)
		assert.NoError(t, err)
		assert.False(t, repo.isDown.Load())
		primary.AssertExpectations(t)
		fallback.AssertExpectations(t)
	})

	t.Run("MissedInvalidationReplayedOnRecovery", func(t *testing.T) {
		keys := []string{"2026-02-08"}
		primary.On("InvalidateOccupancy", ctx, keys).Return(errors.New("down")).Once()
		fallback.On("InvalidateOccupancy", ctx, keys).Return(nil).Once()

		assert.NoError(t, repo.InvalidateOccupancy(ctx, keys...))
		assert.True(t, repo.isDown.Load())

		repo.lastCheck = time.Now().Add(-2 * time.Minute)
		primary.On("InvalidateOccupancy", ctx, keys).Return(nil).Once()
		primary.On("GetOccupancy", ctx, "2026-02-08").Return(nil, false, nil).Once()

		_, ok, err := repo.GetOccupancy(ctx, "2026-02-08")
		assert.NoError(t, err)
		assert.False(t, ok)
		assert.False(t, repo.isDown.Load())
		assert.Empty(t, repo.pending)
		primary.AssertExpectations(t)
		fallback.AssertExpectations(t)
	})
}
