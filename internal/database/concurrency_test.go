package database

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"clinicbook/internal/domain"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConcurrentClaims(t *testing.T) {
	logger := zerolog.New(zerolog.NewConsoleWriter())
	dbPath := filepath.Join(t.TempDir(), "concurrency.db")
	db, err := NewDB(dbPath, &logger)
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	start := time.Date(2026, 2, 4, 8, 30, 0, 0, time.UTC)

	const numGoroutines = 10
	var wg sync.WaitGroup
	wg.Add(numGoroutines)

	results := make(chan error, numGoroutines)

	for i := 0; i < numGoroutines; i++ {
		go func(id int) {
			defer wg.Done()
			b := newTestBooking(fmt.Sprintf("b%d", id), start)
			// Deliberately skip the advisory check so the index decides.
			results <- db.WithTx(ctx, func(tx *Tx) error { return tx.InsertBooking(ctx, b) })
		}(i)
	}

	wg.Wait()
	close(results)

	successCount := 0
	takenCount := 0
	for err := range results {
		switch {
		case err == nil:
			successCount++
		case errors.Is(err, domain.ErrSlotTaken):
			takenCount++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}

	assert.Equal(t, 1, successCount, "Only one claim should succeed for a slot")
	assert.Equal(t, numGoroutines-1, takenCount, "All other claims should see SLOT_TAKEN")

	bookings, err := db.ListBookings(ctx, start, start.Add(time.Minute))
	require.NoError(t, err)
	assert.Len(t, bookings, 1)
}
