package pieceutil

import "testing"

func TestPieceCount(t *testing.T) {
	cases := []struct {
		name     string
		size     int64
		pieceLen int32
		want     int
	}{
		{"exact multiple", 32, 16, 2},
		{"remainder rounds up", 33, 16, 3},
		{"zero size", 0, 16, 0},
		{"single piece", 10, 16, 1},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := PieceCount(c.size, c.pieceLen); got != c.want {
				t.Fatalf("PieceCount(%d, %d) = %d, want %d", c.size, c.pieceLen, got, c.want)
			}
		})
	}
}

func TestLastPieceLength(t *testing.T) {
	if got := LastPieceLength(33, 16); got != 1 {
		t.Fatalf("LastPieceLength(33, 16) = %d, want 1", got)
	}
	if got := LastPieceLength(32, 16); got != 16 {
		t.Fatalf("LastPieceLength(32, 16) = %d, want 16", got)
	}
}

func TestPieceLengthAt(t *testing.T) {
	got, err := PieceLengthAt(0, 33, 16)
	if err != nil || got != 16 {
		t.Fatalf("PieceLengthAt(0, 33, 16) = (%d, %v), want (16, nil)", got, err)
	}

	got, err = PieceLengthAt(2, 33, 16)
	if err != nil || got != 1 {
		t.Fatalf("PieceLengthAt(2, 33, 16) = (%d, %v), want (1, nil)", got, err)
	}

	if _, err := PieceLengthAt(3, 33, 16); err == nil {
		t.Fatal("expected out-of-range error for index 3")
	}
}

func TestPieceOffsetBounds(t *testing.T) {
	start, end, err := PieceOffsetBounds(1, 33, 16)
	if err != nil {
		t.Fatalf("PieceOffsetBounds: %v", err)
	}
	if start != 16 || end != 32 {
		t.Fatalf("PieceOffsetBounds(1, 33, 16) = (%d, %d), want (16, 32)", start, end)
	}

	start, end, err = PieceOffsetBounds(2, 33, 16)
	if err != nil {
		t.Fatalf("PieceOffsetBounds: %v", err)
	}
	if start != 32 || end != 33 {
		t.Fatalf("PieceOffsetBounds(2, 33, 16) = (%d, %d), want (32, 33)", start, end)
	}
}

func TestPieceIndexForOffset(t *testing.T) {
	if got := PieceIndexForOffset(17, 33, 16); got != 1 {
		t.Fatalf("PieceIndexForOffset(17, 33, 16) = %d, want 1", got)
	}
	if got := PieceIndexForOffset(-1, 33, 16); got != -1 {
		t.Fatalf("PieceIndexForOffset(-1, ...) = %d, want -1", got)
	}
	if got := PieceIndexForOffset(33, 33, 16); got != -1 {
		t.Fatalf("PieceIndexForOffset(33, 33, 16) = %d, want -1 (out of range)", got)
	}
}
