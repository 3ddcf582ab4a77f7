package optimize

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// Regressor is the surrogate-model capability the optimizer queries for
// posterior mean and uncertainty at unobserved points.
//
// The variant is selected once at construction time: GPRegressor when full
// Gaussian Process regression is wanted, FallbackRegressor as the declared
// degradation that keeps the optimizer functioning on constant statistics.
type Regressor interface {
	// Fit trains the model on the full observation history.
	Fit(X [][]float64, y []float64) error

	// Predict returns the posterior mean and standard deviation at x.
	Predict(x []float64) (mean, std float64)
}

// GPRegressor is a Gaussian Process regressor with a
// ConstantKernel × Matérn(ν=2.5) covariance, fit on inputs and outputs
// standardized to zero mean and unit variance.
//
// Hyperparameters (amplitude and length scale) are chosen by maximizing the
// log marginal likelihood over a small log-spaced grid at each Fit, which
// keeps refitting cheap enough to run lazily inside every Suggest call.
type GPRegressor struct {
	noise float64

	xMean, xStd []float64
	yMean, yStd float64

	x      [][]float64 // standardized training inputs
	chol   mat.Cholesky
	alpha  *mat.VecDense
	amp    float64
	length float64
	fitted bool
}

// NewGPRegressor creates a GP regressor with the given observation-noise
// variance. Zero or negative noise gets a small default jitter.
func NewGPRegressor(noise float64) *GPRegressor {
	if noise <= 0 {
		noise = 1e-6
	}
	return &GPRegressor{noise: noise}
}

// gpLengthGrid and gpAmpGrid are the hyperparameter candidates searched at
// each fit, expressed in standardized input/output units.
var (
	gpLengthGrid = []float64{0.1, 0.25, 0.5, 1.0, 2.0, 4.0}
	gpAmpGrid    = []float64{0.5, 1.0, 2.0}
)

// Fit trains the GP on the observation history.
func (g *GPRegressor) Fit(X [][]float64, y []float64) error {
	if len(X) == 0 || len(X) != len(y) {
		return fmt.Errorf("gp fit requires matching non-empty inputs, got %d/%d", len(X), len(y))
	}

	dim := len(X[0])
	g.standardizeInputs(X, dim)
	g.standardizeOutputs(y)

	ys := make([]float64, len(y))
	for i, v := range y {
		ys[i] = (v - g.yMean) / g.yStd
	}

	bestLML := math.Inf(-1)
	var bestChol mat.Cholesky
	var bestAlpha *mat.VecDense
	found := false

	for _, length := range gpLengthGrid {
		for _, amp := range gpAmpGrid {
			chol, alpha, lml, err := g.factorize(ys, amp, length)
			if err != nil {
				continue
			}
			if lml > bestLML {
				bestLML = lml
				bestChol = *chol
				bestAlpha = alpha
				g.amp = amp
				g.length = length
				found = true
			}
		}
	}
	if !found {
		return fmt.Errorf("gp fit failed: kernel matrix not positive definite for any hyperparameters")
	}

	g.chol = bestChol
	g.alpha = bestAlpha
	g.fitted = true
	return nil
}

// factorize builds and factors the kernel matrix for one hyperparameter pair,
// returning the Cholesky factor, the weight vector K⁻¹y, and the log marginal
// likelihood.
func (g *GPRegressor) factorize(ys []float64, amp, length float64) (*mat.Cholesky, *mat.VecDense, float64, error) {
	n := len(g.x)
	k := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			v := maternKernel(g.x[i], g.x[j], amp, length)
			if i == j {
				v += g.noise
			}
			k.SetSym(i, j, v)
		}
	}

	var chol mat.Cholesky
	jitter := g.noise
	for attempt := 0; attempt < 4; attempt++ {
		if chol.Factorize(k) {
			yVec := mat.NewVecDense(n, ys)
			alpha := mat.NewVecDense(n, nil)
			if err := chol.SolveVecTo(alpha, yVec); err != nil {
				return nil, nil, 0, err
			}

			lml := -0.5 * mat.Dot(yVec, alpha)
			lml -= 0.5 * chol.LogDet()
			lml -= float64(n) / 2 * math.Log(2*math.Pi)
			return &chol, alpha, lml, nil
		}
		// Not positive definite: inflate the diagonal and retry.
		jitter *= 10
		for i := 0; i < n; i++ {
			k.SetSym(i, i, k.At(i, i)+jitter)
		}
	}
	return nil, nil, 0, fmt.Errorf("cholesky factorization failed")
}

// Predict returns the posterior mean and standard deviation at x, both in the
// original (unstandardized) output scale.
func (g *GPRegressor) Predict(x []float64) (float64, float64) {
	if !g.fitted {
		return 0, 1
	}

	xs := make([]float64, len(x))
	for d := range x {
		xs[d] = (x[d] - g.xMean[d]) / g.xStd[d]
	}

	n := len(g.x)
	kStar := mat.NewVecDense(n, nil)
	for i := 0; i < n; i++ {
		kStar.SetVec(i, maternKernel(xs, g.x[i], g.amp, g.length))
	}

	mean := mat.Dot(kStar, g.alpha)

	v := mat.NewVecDense(n, nil)
	variance := maternKernel(xs, xs, g.amp, g.length)
	if err := g.chol.SolveVecTo(v, kStar); err == nil {
		variance -= mat.Dot(kStar, v)
	}
	if variance < 0 {
		variance = 0
	}

	return mean*g.yStd + g.yMean, math.Sqrt(variance) * g.yStd
}

func (g *GPRegressor) standardizeInputs(X [][]float64, dim int) {
	g.xMean = make([]float64, dim)
	g.xStd = make([]float64, dim)
	col := make([]float64, len(X))
	for d := 0; d < dim; d++ {
		for i := range X {
			col[i] = X[i][d]
		}
		g.xMean[d] = stat.Mean(col, nil)
		g.xStd[d] = stat.StdDev(col, nil)
		if g.xStd[d] == 0 || math.IsNaN(g.xStd[d]) {
			g.xStd[d] = 1
		}
	}

	g.x = make([][]float64, len(X))
	for i := range X {
		row := make([]float64, dim)
		for d := 0; d < dim; d++ {
			row[d] = (X[i][d] - g.xMean[d]) / g.xStd[d]
		}
		g.x[i] = row
	}
}

func (g *GPRegressor) standardizeOutputs(y []float64) {
	g.yMean = stat.Mean(y, nil)
	g.yStd = stat.StdDev(y, nil)
	if g.yStd == 0 || math.IsNaN(g.yStd) {
		g.yStd = 1
	}
}

// maternKernel evaluates the Matérn covariance with ν=2.5 scaled by amp²,
// smooth but not infinitely differentiable, which suits perceptual reward
// surfaces.
func maternKernel(a, b []float64, amp, length float64) float64 {
	var sq float64
	for d := range a {
		diff := a[d] - b[d]
		sq += diff * diff
	}
	r := math.Sqrt(sq) / length
	s5r := math.Sqrt(5) * r
	return amp * amp * (1 + s5r + 5*r*r/3) * math.Exp(-s5r)
}

// FallbackRegressor predicts the running mean and standard deviation of all
// observed rewards for every query point. It is the declared degradation used
// when GP fitting is unavailable or fails, reducing Thompson Sampling to a
// constant posterior.
type FallbackRegressor struct {
	mean float64
	std  float64
	n    int
}

// NewFallbackRegressor creates an untrained fallback regressor.
func NewFallbackRegressor() *FallbackRegressor {
	return &FallbackRegressor{std: 1}
}

// Fit records the global statistics of the observed rewards. It never fails.
func (f *FallbackRegressor) Fit(_ [][]float64, y []float64) error {
	f.n = len(y)
	if len(y) == 0 {
		f.mean, f.std = 0, 1
		return nil
	}
	f.mean = stat.Mean(y, nil)
	if len(y) > 1 {
		f.std = stat.StdDev(y, nil)
	}
	if f.std == 0 || math.IsNaN(f.std) {
		f.std = 1
	}
	return nil
}

// Predict returns the same global mean and std for any query point.
func (f *FallbackRegressor) Predict(_ []float64) (float64, float64) {
	return f.mean, f.std
}
