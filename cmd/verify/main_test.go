package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/weather-archive-service/internal/domain"
)

func verifyMeta() domain.StationMetadata {
	return domain.StationMetadata{ID: "roof", ArchiveInterval: 5 * time.Minute}
}

func rec(end time.Time) domain.ArchiveRecord {
	return domain.ArchiveRecord{
		StationID:    "roof",
		Time:         end,
		Interval:     5 * time.Minute,
		Values:       map[string]*float64{"outTemp": domain.Val(20)},
		ReadingCount: 4,
	}
}

func TestVerifyStation_Clean(t *testing.T) {
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	noData := domain.ArchiveRecord{StationID: "roof", Time: base.Add(5 * time.Minute), Interval: 5 * time.Minute,
		Values: map[string]*float64{"outTemp": nil}, NoData: true}

	p := verifyStation(verifyMeta(), []domain.ArchiveRecord{rec(base), noData, rec(base.Add(10 * time.Minute))})

	assert.True(t, p.passed(), p.errors)
	assert.Equal(t, 3, p.records)
}

func TestVerifyStation_Violations(t *testing.T) {
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		records []domain.ArchiveRecord
		want    string
	}{
		{
			name:    "misaligned key",
			records: []domain.ArchiveRecord{rec(base.Add(time.Minute))},
			want:    "not aligned",
		},
		{
			name:    "gap",
			records: []domain.ArchiveRecord{rec(base), rec(base.Add(15 * time.Minute))},
			want:    "2 interval(s) missing",
		},
		{
			name:    "duplicate key",
			records: []domain.ArchiveRecord{rec(base), rec(base)},
			want:    "not after previous key",
		},
		{
			name: "no-data with values",
			records: []domain.ArchiveRecord{{StationID: "roof", Time: base, Interval: 5 * time.Minute,
				Values: map[string]*float64{"outTemp": domain.Val(1)}, NoData: true}},
			want: "no-data record has value for outTemp",
		},
		{
			name:    "wrong interval",
			records: []domain.ArchiveRecord{{StationID: "roof", Time: base, Interval: time.Minute}},
			want:    "interval 1m0s",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := verifyStation(verifyMeta(), tt.records)
			require.False(t, p.passed())
			assert.Contains(t, p.errors[0], tt.want)
		})
	}
}
