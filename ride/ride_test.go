package ride

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPrice(t *testing.T) {
	tariff := DefaultTariff()
	begin := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		ride     time.Duration
		overtime int
		total    int64
	}{
		{"short", 12 * time.Minute, 0, 3570},
		{"exactly included", 30 * time.Minute, 0, 3570},
		{"partial minute rounds up", 30*time.Minute + time.Second, 1, 3689},
		{"overtime", 42 * time.Minute, 12, 4998},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := tariff.Price("trip-1", begin, begin.Add(tt.ride))
			assert.Equal(t, tt.overtime, p.OvertimeMinutes)
			assert.Equal(t, tt.total, p.Total)
			assert.Equal(t, p.Subtotal+p.OvertimeCharge+p.Tax, p.Total)
			assert.Equal(t, 10, p.PointsEarned)
		})
	}
}

func TestDiscount(t *testing.T) {
	tariff := DefaultTariff()
	p := Pricing{Total: 3570}

	tests := []struct {
		name       string
		balance    int
		discounted int64
		used       int
	}{
		{"none", 0, 3570, 0},
		{"below ten", 9, 3570, 0},
		{"whole tens only", 105, 2570, 100},
		{"covers the trip", 1000, 0, 360},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			discounted, used := tariff.Discount(p, tt.balance)
			assert.Equal(t, tt.discounted, discounted)
			assert.Equal(t, tt.used, used)
		})
	}
}

func TestPayable(t *testing.T) {
	p := Pricing{Subtotal: 3000, Tax: 570, Total: 3570}
	assert.Equal(t, int64(3570), p.Payable())
	assert.False(t, p.Discounted())

	d := int64(2570)
	p.DiscountedTotal = &d
	assert.Equal(t, int64(2570), p.Payable())
	assert.NoError(t, p.Validate())

	d = 4000
	assert.ErrorIs(t, p.Validate(), ErrDiscountExceedsTotal)
}

func TestRemaining(t *testing.T) {
	begin := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	trip := Trip{StartTime: begin, IncludedMinutes: 30}

	assert.Equal(t, 20*time.Minute, Remaining(trip, begin.Add(10*time.Minute)))
	assert.Equal(t, time.Duration(0), Remaining(trip, begin.Add(45*time.Minute)))

	end := begin.Add(5 * time.Minute)
	trip.EndTime = &end
	assert.Equal(t, 5*time.Minute, Elapsed(trip, begin.Add(time.Hour)))
	assert.Equal(t, time.Duration(0), Elapsed(Trip{StartTime: begin}, begin.Add(-time.Minute)))
}
