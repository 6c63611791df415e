package encoder

import (
	"math"
	"math/rand"
)

// projection is an Achlioptas sparse random projection matrix of shape
// (dOut x dIn). Entries are drawn independently as +sqrt(s) with
// probability 1/(2s), 0 with probability 1-1/s, -sqrt(s) with
// probability 1/(2s), s=3. Matrices are immutable after construction
// and shared lock-free.
type projection struct {
	slot string
	dIn  int
	dOut int
	rows [][]float32
}

const achlioptasS = 3.0

// newProjection generates the matrix for one slot. The seed fully
// determines the matrix: identical (slot, seed, dims) tuples produce
// identical projections in every process, which is what makes encoded
// vectors comparable across restarts and across the RPC boundary.
func newProjection(slot string, dIn, dOut int, seed int64) *projection {
	rng := rand.New(rand.NewSource(seed)) //nolint:gosec // fixed-seed protocol matrix, not security material
	scale := float32(math.Sqrt(achlioptasS))
	rows := make([][]float32, dOut)
	for i := range rows {
		row := make([]float32, dIn)
		for j := range row {
			u := rng.Float64()
			switch {
			case u < 1.0/(2.0*achlioptasS):
				row[j] = scale
			case u < 1.0/achlioptasS:
				row[j] = -scale
			}
		}
		rows[i] = row
	}
	return &projection{slot: slot, dIn: dIn, dOut: dOut, rows: rows}
}

// apply multiplies the matrix by vec, producing a dOut-length vector.
func (p *projection) apply(vec []float32) []float32 {
	out := make([]float32, p.dOut)
	n := min(p.dIn, len(vec))
	for i, row := range p.rows {
		var sum float64
		for j := range n {
			if row[j] != 0 {
				sum += float64(row[j]) * float64(vec[j])
			}
		}
		out[i] = float32(sum)
	}
	return out
}

// zeroFraction reports the share of zero entries, used to sanity-check
// the sparsity of generated matrices.
func (p *projection) zeroFraction() float64 {
	zeros := 0
	for _, row := range p.rows {
		for _, v := range row {
			if v == 0 {
				zeros++
			}
		}
	}
	return float64(zeros) / float64(p.dIn*p.dOut)
}
