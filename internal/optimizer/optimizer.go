// Package optimizer implements per-key update rules applied directly to
// shard slots.
//
// A Rule is selected once per table. Its auxiliary buffers are allocated
// next to the embedding in the shard store and initialized to the values
// the rule declares. The formulas follow the Keras optimizers (TensorFlow
// ResourceApply* kernels), so a sparse step matches a dense step on the
// same rows.
package optimizer

import (
	"errors"
	"fmt"
	"math"

	"github.com/hupe1980/dynembed/internal/slotstore"
)

// ErrUnknown is returned by New for an unsupported rule name.
var ErrUnknown = errors.New("optimizer: unknown rule")

// Rule is a per-key update formula.
type Rule interface {
	// Name identifies the rule.
	Name() string
	// State declares the auxiliary per-slot buffers for a given dimension.
	State(dim int) []slotstore.BufferSpec
	// Update applies gradient g for iteration t (1-based) to value, reading
	// and writing state. len(state) == len(State(dim)).
	Update(t int64, value, g []float32, state [][]float32)
}

// Config collects hyper-parameters. Zero fields take the Keras default of
// the selected rule.
type Config struct {
	Name         string
	LearningRate float32
	Momentum     float32
	Nesterov     bool
	Beta1        float32
	Beta2        float32
	Rho          float32
	Epsilon      float32
	// InitialAccumulator is used by adagrad and ftrl.
	InitialAccumulator float32
	L1, L2             float32
	Beta               float32 // ftrl
	LearningRatePower  float32 // ftrl, default -0.5
}

func orDefault(v, def float32) float32 {
	if v == 0 {
		return def
	}
	return v
}

// New builds the rule named by cfg.Name.
func New(cfg Config) (Rule, error) {
	lr := cfg.LearningRate
	eps := orDefault(cfg.Epsilon, 1e-7)

	switch cfg.Name {
	case "", "sgd":
		if cfg.Momentum != 0 {
			return &Momentum{LearningRate: orDefault(lr, 0.01), Momentum: cfg.Momentum, Nesterov: cfg.Nesterov}, nil
		}
		return &SGD{LearningRate: orDefault(lr, 0.01)}, nil
	case "momentum":
		return &Momentum{LearningRate: orDefault(lr, 0.01), Momentum: orDefault(cfg.Momentum, 0.9), Nesterov: cfg.Nesterov}, nil
	case "adagrad":
		return &Adagrad{LearningRate: orDefault(lr, 0.001), InitialAccumulator: orDefault(cfg.InitialAccumulator, 0.1), Epsilon: eps}, nil
	case "adam":
		return &Adam{LearningRate: orDefault(lr, 0.001), Beta1: orDefault(cfg.Beta1, 0.9), Beta2: orDefault(cfg.Beta2, 0.999), Epsilon: eps}, nil
	case "adamax":
		return &Adamax{LearningRate: orDefault(lr, 0.001), Beta1: orDefault(cfg.Beta1, 0.9), Beta2: orDefault(cfg.Beta2, 0.999), Epsilon: eps}, nil
	case "adadelta":
		return &Adadelta{LearningRate: orDefault(lr, 0.001), Rho: orDefault(cfg.Rho, 0.95), Epsilon: eps}, nil
	case "rmsprop":
		return &RMSprop{LearningRate: orDefault(lr, 0.001), Rho: orDefault(cfg.Rho, 0.9), Momentum: cfg.Momentum, Epsilon: eps}, nil
	case "ftrl":
		return &Ftrl{
			LearningRate:       orDefault(lr, 0.001),
			LearningRatePower:  orDefault(cfg.LearningRatePower, -0.5),
			InitialAccumulator: orDefault(cfg.InitialAccumulator, 0.1),
			L1:                 cfg.L1,
			L2:                 cfg.L2,
			Beta:               cfg.Beta,
		}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknown, cfg.Name)
	}
}

func buffers(dim int, specs ...slotstore.BufferSpec) []slotstore.BufferSpec {
	for i := range specs {
		specs[i].Width = dim
	}
	return specs
}

func sqrt32(x float32) float32 { return float32(math.Sqrt(float64(x))) }

func pow32(x float32, t int64) float32 { return float32(math.Pow(float64(x), float64(t))) }

// SGD: value -= lr·g.
type SGD struct {
	LearningRate float32
}

func (o *SGD) Name() string { return "sgd" }

func (o *SGD) State(int) []slotstore.BufferSpec { return nil }

func (o *SGD) Update(_ int64, v, g []float32, _ [][]float32) {
	for i := range v {
		v[i] -= o.LearningRate * g[i]
	}
}

// Momentum: m = μ·m − lr·g; value += m (or μ·m − lr·g with Nesterov).
type Momentum struct {
	LearningRate float32
	Momentum     float32
	Nesterov     bool
}

func (o *Momentum) Name() string { return "momentum" }

func (o *Momentum) State(dim int) []slotstore.BufferSpec {
	return buffers(dim, slotstore.BufferSpec{Name: "momentum"})
}

func (o *Momentum) Update(_ int64, v, g []float32, s [][]float32) {
	m := s[0]
	for i := range v {
		m[i] = o.Momentum*m[i] - o.LearningRate*g[i]
		if o.Nesterov {
			v[i] += o.Momentum*m[i] - o.LearningRate*g[i]
		} else {
			v[i] += m[i]
		}
	}
}

// Adagrad: a += g²; value -= lr·g / (√a + ε).
type Adagrad struct {
	LearningRate       float32
	InitialAccumulator float32
	Epsilon            float32
}

func (o *Adagrad) Name() string { return "adagrad" }

func (o *Adagrad) State(dim int) []slotstore.BufferSpec {
	return buffers(dim, slotstore.BufferSpec{Name: "accumulator", Init: o.InitialAccumulator})
}

func (o *Adagrad) Update(_ int64, v, g []float32, s [][]float32) {
	a := s[0]
	for i := range v {
		a[i] += g[i] * g[i]
		v[i] -= o.LearningRate * g[i] / (sqrt32(a[i]) + o.Epsilon)
	}
}

// Adam with bias correction folded into the step size.
type Adam struct {
	LearningRate float32
	Beta1        float32
	Beta2        float32
	Epsilon      float32
}

func (o *Adam) Name() string { return "adam" }

func (o *Adam) State(dim int) []slotstore.BufferSpec {
	return buffers(dim, slotstore.BufferSpec{Name: "m"}, slotstore.BufferSpec{Name: "v"})
}

func (o *Adam) Update(t int64, v, g []float32, s [][]float32) {
	m, u := s[0], s[1]
	lrT := o.LearningRate * sqrt32(1-pow32(o.Beta2, t)) / (1 - pow32(o.Beta1, t))
	for i := range v {
		m[i] = o.Beta1*m[i] + (1-o.Beta1)*g[i]
		u[i] = o.Beta2*u[i] + (1-o.Beta2)*g[i]*g[i]
		v[i] -= lrT * m[i] / (sqrt32(u[i]) + o.Epsilon)
	}
}

// Adamax: Adam with the infinity norm.
type Adamax struct {
	LearningRate float32
	Beta1        float32
	Beta2        float32
	Epsilon      float32
}

func (o *Adamax) Name() string { return "adamax" }

func (o *Adamax) State(dim int) []slotstore.BufferSpec {
	return buffers(dim, slotstore.BufferSpec{Name: "m"}, slotstore.BufferSpec{Name: "u"})
}

func (o *Adamax) Update(t int64, v, g []float32, s [][]float32) {
	m, u := s[0], s[1]
	lrT := o.LearningRate / (1 - pow32(o.Beta1, t))
	for i := range v {
		m[i] = o.Beta1*m[i] + (1-o.Beta1)*g[i]
		u[i] = max(o.Beta2*u[i], float32(math.Abs(float64(g[i]))))
		v[i] -= lrT * m[i] / (u[i] + o.Epsilon)
	}
}

// Adadelta keeps running averages of squared gradients and updates.
type Adadelta struct {
	LearningRate float32
	Rho          float32
	Epsilon      float32
}

func (o *Adadelta) Name() string { return "adadelta" }

func (o *Adadelta) State(dim int) []slotstore.BufferSpec {
	return buffers(dim, slotstore.BufferSpec{Name: "accum_grad"}, slotstore.BufferSpec{Name: "accum_update"})
}

func (o *Adadelta) Update(_ int64, v, g []float32, s [][]float32) {
	ag, au := s[0], s[1]
	for i := range v {
		ag[i] = o.Rho*ag[i] + (1-o.Rho)*g[i]*g[i]
		upd := sqrt32(au[i]+o.Epsilon) / sqrt32(ag[i]+o.Epsilon) * g[i]
		au[i] = o.Rho*au[i] + (1-o.Rho)*upd*upd
		v[i] -= o.LearningRate * upd
	}
}

// RMSprop (uncentered): ms = ρ·ms + (1−ρ)·g²; mom = μ·mom + lr·g/√(ms+ε); value -= mom.
type RMSprop struct {
	LearningRate float32
	Rho          float32
	Momentum     float32
	Epsilon      float32
}

func (o *RMSprop) Name() string { return "rmsprop" }

func (o *RMSprop) State(dim int) []slotstore.BufferSpec {
	return buffers(dim, slotstore.BufferSpec{Name: "ms"}, slotstore.BufferSpec{Name: "mom"})
}

func (o *RMSprop) Update(_ int64, v, g []float32, s [][]float32) {
	ms, mom := s[0], s[1]
	for i := range v {
		ms[i] = o.Rho*ms[i] + (1-o.Rho)*g[i]*g[i]
		mom[i] = o.Momentum*mom[i] + o.LearningRate*g[i]/sqrt32(ms[i]+o.Epsilon)
		v[i] -= mom[i]
	}
}

// Ftrl is FTRL-Proximal with L1/L2 regularization.
type Ftrl struct {
	LearningRate       float32
	LearningRatePower  float32
	InitialAccumulator float32
	L1, L2             float32
	Beta               float32
}

func (o *Ftrl) Name() string { return "ftrl" }

func (o *Ftrl) State(dim int) []slotstore.BufferSpec {
	return buffers(dim,
		slotstore.BufferSpec{Name: "accumulator", Init: o.InitialAccumulator},
		slotstore.BufferSpec{Name: "linear"},
	)
}

func (o *Ftrl) power(x float32) float32 {
	if o.LearningRatePower == -0.5 {
		return sqrt32(x)
	}
	return float32(math.Pow(float64(x), float64(-o.LearningRatePower)))
}

func (o *Ftrl) Update(_ int64, v, g []float32, s [][]float32) {
	acc, lin := s[0], s[1]
	l2 := o.L2 + o.Beta/(2*o.LearningRate)
	for i := range v {
		newAcc := acc[i] + g[i]*g[i]
		sigma := (o.power(newAcc) - o.power(acc[i])) / o.LearningRate
		lin[i] += g[i] - sigma*v[i]
		quad := o.power(newAcc)/o.LearningRate + 2*l2
		if l := lin[i]; l > o.L1 || l < -o.L1 {
			sign := float32(1)
			if l < 0 {
				sign = -1
			}
			v[i] = (sign*o.L1 - l) / quad
		} else {
			v[i] = 0
		}
		acc[i] = newAcc
	}
}
