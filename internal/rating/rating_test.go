package rating

import "testing"

func TestRateEqualRatings(t *testing.T) {
	winnerNew, loserNew := RateDefault(1200, 1200)
	if winnerNew != 1216 {
		t.Fatalf("winner: expected 1216, got %d", winnerNew)
	}
	if loserNew != 1184 {
		t.Fatalf("loser: expected 1184, got %d", loserNew)
	}
}

func TestRateUpsetPaysMore(t *testing.T) {
	// Underdog beating a stronger player gains more than the reverse.
	upsetNew, _ := RateDefault(1100, 1400)
	favoredNew, _ := RateDefault(1400, 1100)

	upsetGain := upsetNew - 1100
	favoredGain := favoredNew - 1400

	if upsetGain <= favoredGain {
		t.Fatalf("expected upset gain %d > favored gain %d", upsetGain, favoredGain)
	}
	if favoredGain < 1 {
		t.Fatalf("favored winner should still gain at least a point, got %d", favoredGain)
	}
}

func TestRateOppositeDirections(t *testing.T) {
	cases := []struct {
		winner, loser int
	}{
		{1200, 1200},
		{1000, 1500},
		{1500, 1000},
		{1350, 1349},
	}
	for _, tc := range cases {
		winnerNew, loserNew := RateDefault(tc.winner, tc.loser)
		if winnerNew < tc.winner {
			t.Errorf("winner %d/%d: rating dropped to %d", tc.winner, tc.loser, winnerNew)
		}
		if loserNew > tc.loser {
			t.Errorf("loser %d/%d: rating rose to %d", tc.winner, tc.loser, loserNew)
		}
	}
}

func TestRateCustomK(t *testing.T) {
	k16Winner, k16Loser := Rate(1200, 1200, 16)
	if k16Winner != 1208 || k16Loser != 1192 {
		t.Fatalf("k=16: expected 1208/1192, got %d/%d", k16Winner, k16Loser)
	}
}

func TestExpectedSymmetry(t *testing.T) {
	// Expected scores of both sides always sum to 1.
	pairs := [][2]int{{1200, 1200}, {1000, 1800}, {1450, 1300}}
	for _, p := range pairs {
		sum := expected(p[0], p[1]) + expected(p[1], p[0])
		if diff := sum - 1; diff > 1e-9 || diff < -1e-9 {
			t.Errorf("expected(%d,%d) symmetry broken: sum=%f", p[0], p[1], sum)
		}
	}
}
