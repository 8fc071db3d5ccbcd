package nn

import "math"

// Activation is an elementwise nonlinearity with an analytic derivative.
type Activation interface {
	Apply(x float64) float64
	Prime(x float64) float64
}

// GELU is the tanh approximation of the Gaussian error linear unit.
type GELU struct{}

const (
	geluK = 0.7978845608028654 // sqrt(2/pi)
	geluC = 0.044715
)

func (GELU) Apply(x float64) float64 {
	t := geluK * (x + geluC*x*x*x)
	return 0.5 * x * (1.0 + math.Tanh(t))
}

func (GELU) Prime(x float64) float64 {
	t := geluK * (x + geluC*x*x*x)
	th := math.Tanh(t)
	cosh := math.Cosh(t)
	sech2 := 1.0 / (cosh * cosh)
	dt := geluK * (1.0 + 3.0*geluC*x*x)
	return 0.5*(1.0+th) + 0.5*x*sech2*dt
}

type ReLU struct{}

func (ReLU) Apply(x float64) float64 {
	if x > 0 {
		return x
	}
	return 0
}

func (ReLU) Prime(x float64) float64 {
	if x > 0 {
		return 1
	}
	return 0
}
