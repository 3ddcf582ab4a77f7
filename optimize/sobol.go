package optimize

import "math/bits"

// sobolMaxDim is the highest dimensionality the direction-number table covers.
// Larger spaces fall back to pseudo-random initial designs.
const sobolMaxDim = 21

// sobolCoeffs holds the primitive-polynomial degree, coefficient word, and
// initial direction numbers for dimensions 2..sobolMaxDim (Joe-Kuo numbers).
// Dimension 1 is the van der Corput sequence and needs no table entry.
type sobolCoeffs struct {
	s int
	a uint32
	m []uint32
}

var sobolTable = []sobolCoeffs{
	{1, 0, []uint32{1}},
	{2, 1, []uint32{1, 3}},
	{3, 1, []uint32{1, 3, 1}},
	{3, 2, []uint32{1, 1, 1}},
	{4, 1, []uint32{1, 1, 3, 3}},
	{4, 4, []uint32{1, 3, 5, 13}},
	{5, 2, []uint32{1, 1, 5, 5, 17}},
	{5, 4, []uint32{1, 1, 5, 5, 5}},
	{5, 7, []uint32{1, 1, 7, 11, 19}},
	{5, 11, []uint32{1, 1, 5, 1, 1}},
	{5, 13, []uint32{1, 1, 1, 3, 11}},
	{5, 14, []uint32{1, 3, 5, 5, 31}},
	{6, 1, []uint32{1, 3, 3, 9, 7, 49}},
	{6, 13, []uint32{1, 1, 1, 15, 21, 21}},
	{6, 16, []uint32{1, 3, 1, 13, 27, 49}},
	{6, 19, []uint32{1, 1, 1, 15, 7, 5}},
	{6, 22, []uint32{1, 3, 1, 15, 13, 25}},
	{6, 25, []uint32{1, 1, 5, 5, 19, 61}},
	{7, 1, []uint32{1, 3, 7, 11, 23, 15, 103}},
	{7, 4, []uint32{1, 3, 7, 13, 13, 15, 69}},
}

const sobolBits = 32

// sobolSequence generates points of a Sobol low-discrepancy sequence using
// the Gray-code construction. The all-zeros point at index 0 is skipped so
// every emitted point is interior.
type sobolSequence struct {
	dim   int
	count uint64
	state []uint32
	v     [][]uint32
}

// newSobolSequence returns a generator for the given dimensionality, or
// ok=false when the direction-number table cannot cover it.
func newSobolSequence(dim int) (*sobolSequence, bool) {
	if dim < 1 || dim > sobolMaxDim {
		return nil, false
	}

	v := make([][]uint32, dim)

	// First dimension: van der Corput in base 2.
	v[0] = make([]uint32, sobolBits)
	for k := 0; k < sobolBits; k++ {
		v[0][k] = 1 << (sobolBits - 1 - k)
	}

	for d := 1; d < dim; d++ {
		c := sobolTable[d-1]
		vd := make([]uint32, sobolBits)
		for k := 0; k < c.s; k++ {
			vd[k] = c.m[k] << (sobolBits - 1 - k)
		}
		for k := c.s; k < sobolBits; k++ {
			vd[k] = vd[k-c.s] ^ (vd[k-c.s] >> uint(c.s))
			for i := 1; i < c.s; i++ {
				if (c.a>>uint(c.s-1-i))&1 == 1 {
					vd[k] ^= vd[k-i]
				}
			}
		}
		v[d] = vd
	}

	return &sobolSequence{
		dim:   dim,
		state: make([]uint32, dim),
		v:     v,
	}, true
}

// Next returns the next point of the sequence, each coordinate in [0,1).
func (s *sobolSequence) Next() []float64 {
	s.count++
	c := bits.TrailingZeros64(s.count)

	out := make([]float64, s.dim)
	for d := 0; d < s.dim; d++ {
		s.state[d] ^= s.v[d][c]
		out[d] = float64(s.state[d]) / (1 << sobolBits)
	}
	return out
}
