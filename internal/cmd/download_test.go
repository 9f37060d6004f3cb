package cmd

import (
	"testing"

	"github.com/MeKo-Tech/tileharvest/internal/tile"
)

func TestParseTiles(t *testing.T) {
	tests := []struct {
		name    string
		input   []string
		want    []tile.Coords
		wantErr bool
	}{
		{
			name:  "empty",
			input: nil,
			want:  nil,
		},
		{
			name:  "single tile",
			input: []string{"10/100/200"},
			want:  []tile.Coords{{Z: 10, X: 100, Y: 200}},
		},
		{
			name:  "multiple tiles with spaces",
			input: []string{"1/0/0", " 2 / 1 / 3 "},
			want:  []tile.Coords{{Z: 1, X: 0, Y: 0}, {Z: 2, X: 1, Y: 3}},
		},
		{
			name:    "too few parts",
			input:   []string{"10/100"},
			wantErr: true,
		},
		{
			name:    "too many parts",
			input:   []string{"10/100/200/300"},
			wantErr: true,
		},
		{
			name:    "not a number",
			input:   []string{"a/100/200"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseTiles(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Errorf("parseTiles(%v) expected error, got nil", tt.input)
				}
				return
			}
			if err != nil {
				t.Errorf("parseTiles(%v) unexpected error: %v", tt.input, err)
				return
			}
			if len(got) != len(tt.want) {
				t.Fatalf("parseTiles(%v) = %v, want %v", tt.input, got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("parseTiles(%v)[%d] = %v, want %v", tt.input, i, got[i], tt.want[i])
				}
			}
		})
	}
}
