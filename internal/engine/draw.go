package engine

import (
	"crypto/rand"
	"math/big"

	"potline/internal/model"
)

// Places is the number of prize places drawn per pool.
const Places = 3

// Picker returns a uniformly distributed integer in [0, n).
type Picker interface {
	IntN(n int) int
}

type cryptoPicker struct{}

func (cryptoPicker) IntN(n int) int {
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		panic("crypto/rand: " + err.Error())
	}
	return int(v.Int64())
}

// DrawWinners picks up to Places entries without replacement, first place
// first. The input slice is not modified.
func DrawWinners(entries []model.Entry, picker Picker) []model.Entry {
	if picker == nil {
		picker = cryptoPicker{}
	}
	remaining := make([]model.Entry, len(entries))
	copy(remaining, entries)

	places := min(Places, len(remaining))
	winners := make([]model.Entry, 0, places)
	for i := 0; i < places; i++ {
		idx := picker.IntN(len(remaining))
		winners = append(winners, remaining[idx])
		remaining[idx] = remaining[len(remaining)-1]
		remaining = remaining[:len(remaining)-1]
	}
	return winners
}
