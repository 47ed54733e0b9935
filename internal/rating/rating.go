// Package rating implements the Elo update applied after every rated game.
// It is a pure computation with no I/O so settlement logic can be tested in
// isolation.
package rating

import "math"

// DefaultK is the K-factor used for all rated games.
const DefaultK = 32

// expected returns the logistic expected score of a player with rating self
// against a player with rating other.
func expected(self, other int) float64 {
	return 1 / (1 + math.Pow(10, float64(other-self)/400))
}

// Rate computes the post-game ratings for the winner and loser of a single
// game. The actual score is 1 for the winner and 0 for the loser. Results are
// rounded half away from zero; ratings never hold fractional points.
func Rate(winnerRating, loserRating, k int) (winnerNew, loserNew int) {
	ew := expected(winnerRating, loserRating)
	el := expected(loserRating, winnerRating)

	winnerNew = int(math.Round(float64(winnerRating) + float64(k)*(1-ew)))
	loserNew = int(math.Round(float64(loserRating) + float64(k)*(0-el)))
	return winnerNew, loserNew
}

// RateDefault applies Rate with DefaultK.
func RateDefault(winnerRating, loserRating int) (int, int) {
	return Rate(winnerRating, loserRating, DefaultK)
}
