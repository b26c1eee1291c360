package optimizer

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// dense is a float64 reference step over a whole variable.
type dense func(t int, w, g []float64, s [][]float64)

func runRule(t *testing.T, rule Rule, ref dense, steps int) {
	t.Helper()
	const dim = 6

	w := make([]float32, dim)
	wRef := make([]float64, dim)
	for i := range w {
		w[i] = float32(i)*0.25 - 0.5
		wRef[i] = float64(w[i])
	}

	specs := rule.State(dim)
	state := make([][]float32, len(specs))
	stateRef := make([][]float64, len(specs))
	for i, spec := range specs {
		require.Equal(t, dim, spec.Width)
		state[i] = make([]float32, dim)
		stateRef[i] = make([]float64, dim)
		for j := range dim {
			state[i][j] = spec.Init
			stateRef[i][j] = float64(spec.Init)
		}
	}

	for step := 1; step <= steps; step++ {
		g := make([]float32, dim)
		gRef := make([]float64, dim)
		for i := range g {
			g[i] = float32(math.Sin(float64(step*7+i))) * 0.5
			gRef[i] = float64(g[i])
		}
		rule.Update(int64(step), w, g, state)
		ref(step, wRef, gRef, stateRef)
	}

	for i := range w {
		diff := float64(w[i]) - wRef[i]
		denom := math.Max(math.Abs(wRef[i]), 1e-3)
		assert.Less(t, (diff/denom)*(diff/denom), 1e-6, "%s element %d: got %v want %v", rule.Name(), i, w[i], wRef[i])
	}
}

func TestRules_MatchDenseReference(t *testing.T) {
	const eps = 1e-7

	tests := []struct {
		cfg Config
		ref dense
	}{
		{Config{Name: "sgd", LearningRate: 0.1}, func(_ int, w, g []float64, _ [][]float64) {
			for i := range w {
				w[i] -= 0.1 * g[i]
			}
		}},
		{Config{Name: "sgd", LearningRate: 0.1, Momentum: 0.9}, func(_ int, w, g []float64, s [][]float64) {
			for i := range w {
				s[0][i] = 0.9*s[0][i] - 0.1*g[i]
				w[i] += s[0][i]
			}
		}},
		{Config{Name: "momentum", LearningRate: 0.1, Nesterov: true}, func(_ int, w, g []float64, s [][]float64) {
			for i := range w {
				s[0][i] = 0.9*s[0][i] - 0.1*g[i]
				w[i] += 0.9*s[0][i] - 0.1*g[i]
			}
		}},
		{Config{Name: "adagrad", LearningRate: 0.1}, func(_ int, w, g []float64, s [][]float64) {
			for i := range w {
				s[0][i] += g[i] * g[i]
				w[i] -= 0.1 * g[i] / (math.Sqrt(s[0][i]) + eps)
			}
		}},
		{Config{Name: "adam", LearningRate: 0.01}, func(t int, w, g []float64, s [][]float64) {
			lr := 0.01 * math.Sqrt(1-math.Pow(0.999, float64(t))) / (1 - math.Pow(0.9, float64(t)))
			for i := range w {
				s[0][i] = 0.9*s[0][i] + 0.1*g[i]
				s[1][i] = 0.999*s[1][i] + 0.001*g[i]*g[i]
				w[i] -= lr * s[0][i] / (math.Sqrt(s[1][i]) + eps)
			}
		}},
		{Config{Name: "adamax", LearningRate: 0.01}, func(t int, w, g []float64, s [][]float64) {
			lr := 0.01 / (1 - math.Pow(0.9, float64(t)))
			for i := range w {
				s[0][i] = 0.9*s[0][i] + 0.1*g[i]
				s[1][i] = math.Max(0.999*s[1][i], math.Abs(g[i]))
				w[i] -= lr * s[0][i] / (s[1][i] + eps)
			}
		}},
		{Config{Name: "adadelta", LearningRate: 1.0}, func(_ int, w, g []float64, s [][]float64) {
			for i := range w {
				s[0][i] = 0.95*s[0][i] + 0.05*g[i]*g[i]
				upd := math.Sqrt(s[1][i]+eps) / math.Sqrt(s[0][i]+eps) * g[i]
				s[1][i] = 0.95*s[1][i] + 0.05*upd*upd
				w[i] -= upd
			}
		}},
		{Config{Name: "rmsprop", LearningRate: 0.01}, func(_ int, w, g []float64, s [][]float64) {
			for i := range w {
				s[0][i] = 0.9*s[0][i] + 0.1*g[i]*g[i]
				s[1][i] = 0.01 * g[i] / math.Sqrt(s[0][i]+eps)
				w[i] -= s[1][i]
			}
		}},
		{Config{Name: "ftrl", LearningRate: 0.1, L1: 0.001, L2: 0.01}, func(_ int, w, g []float64, s [][]float64) {
			for i := range w {
				acc := s[0][i] + g[i]*g[i]
				s[1][i] += g[i] - (math.Sqrt(acc)-math.Sqrt(s[0][i]))/0.1*w[i]
				quad := math.Sqrt(acc)/0.1 + 2*0.01
				if math.Abs(s[1][i]) > 0.001 {
					w[i] = (math.Copysign(0.001, s[1][i]) - s[1][i]) / quad
				} else {
					w[i] = 0
				}
				s[0][i] = acc
			}
		}},
	}

	for _, tt := range tests {
		rule, err := New(tt.cfg)
		require.NoError(t, err)
		t.Run(rule.Name(), func(t *testing.T) {
			runRule(t, rule, tt.ref, 5)
		})
	}
}

func TestNew_Defaults(t *testing.T) {
	rule, err := New(Config{Name: "adagrad"})
	require.NoError(t, err)
	specs := rule.State(4)
	require.Len(t, specs, 1)
	assert.Equal(t, float32(0.1), specs[0].Init)

	rule, err = New(Config{Name: "ftrl"})
	require.NoError(t, err)
	specs = rule.State(4)
	require.Len(t, specs, 2)
	assert.Equal(t, float32(0.1), specs[0].Init)
	assert.Zero(t, specs[1].Init)

	rule, err = New(Config{})
	require.NoError(t, err)
	assert.Equal(t, "sgd", rule.Name())
	assert.Empty(t, rule.State(4))

	_, err = New(Config{Name: "lamb"})
	assert.ErrorIs(t, err, ErrUnknown)
}
