package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsOutOfRange(t *testing.T) {
	tests := []struct {
		name      string
		lowerBin  int32
		upperBin  int32
		activeBin int32
		buffer    int32
		want      bool
	}{
		{"active inside range", 100, 168, 134, 2, false},
		{"active at lower edge", 100, 168, 100, 2, false},
		{"active at upper edge", 100, 168, 168, 2, false},
		{"active just below within buffer", 100, 168, 99, 2, false},
		{"active at lower buffer boundary", 100, 168, 98, 2, false},
		{"active below buffer", 100, 168, 96, 2, true},
		{"active just below buffer", 100, 168, 97, 2, true},
		{"active at upper buffer boundary", 100, 168, 170, 2, false},
		{"active above buffer", 100, 168, 171, 2, true},
		{"zero buffer below", 100, 168, 99, 0, true},
		{"zero buffer at edge", 100, 168, 100, 0, false},
		{"single bin position inside", 50, 50, 50, 0, false},
		{"single bin position outside", 50, 50, 51, 0, true},
		{"negative bin ids inside", -168, -100, -134, 2, false},
		{"negative bin ids outside", -168, -100, -171, 2, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := IsOutOfRange(tt.lowerBin, tt.upperBin, tt.activeBin, tt.buffer)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEdgeDistance(t *testing.T) {
	assert.Equal(t, int32(0), EdgeDistance(100, 168, 134))
	assert.Equal(t, int32(0), EdgeDistance(100, 168, 100))
	assert.Equal(t, int32(0), EdgeDistance(100, 168, 168))
	assert.Equal(t, int32(4), EdgeDistance(100, 168, 96))
	assert.Equal(t, int32(3), EdgeDistance(100, 168, 171))
}
