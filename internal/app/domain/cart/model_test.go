package cart

import (
	"math"
	"testing"
)

func TestLineTotal(t *testing.T) {
	tests := []struct {
		name  string
		price int64
		qty   int
		want  int64
		ok    bool
	}{
		{"simple", 250, 4, 1000, true},
		{"zero quantity", 250, 0, 0, true},
		{"at the bound", MaxAmount / 2, 2, MaxAmount, true},
		{"over the bound", MaxAmount/2 + 1, 2, 0, false},
		{"would overflow int64", math.MaxInt64/2 + 1, 2, 0, false},
		{"negative price", -1, 1, 0, false},
		{"negative quantity", 1, -1, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := LineTotal(tt.price, tt.qty)
			if got != tt.want || ok != tt.ok {
				t.Fatalf("LineTotal(%d, %d) = %d, %v; want %d, %v", tt.price, tt.qty, got, ok, tt.want, tt.ok)
			}
		})
	}
}
