package nnet

import (
	"github.com/jnb666/deepemotion/num"
	"github.com/pkg/errors"
)

// Optimiser updates the weights given the gradients. Each parameter array has Slots() extra arrays of
// state of the same shape, e.g. the moment estimates for Adam.
type Optimiser interface {
	Name() string
	Slots() int
	Update(q num.Queue, step int, w, dw num.Array, state []num.Array)
}

// Create a new optimiser from the config settings
func NewOptimiser(c Config) (Optimiser, error) {
	switch c.Optimiser {
	case "adam", "":
		beta1, beta2, eps := c.Beta1, c.Beta2, c.Epsilon
		if beta1 == 0 {
			beta1 = 0.9
		}
		if beta2 == 0 {
			beta2 = 0.999
		}
		if eps == 0 {
			eps = 1e-8
		}
		return adam{eta: float32(c.Eta), beta1: float32(beta1), beta2: float32(beta2), epsilon: float32(eps)}, nil
	case "sgd":
		return sgd{eta: float32(c.Eta), momentum: float32(c.Momentum), decay: float32(c.Lambda)}, nil
	default:
		return nil, errors.Errorf("invalid optimiser %q", c.Optimiser)
	}
}

type adam struct {
	eta, beta1, beta2, epsilon float32
}

func (o adam) Name() string { return "adam" }

func (o adam) Slots() int { return 2 }

func (o adam) Update(q num.Queue, step int, w, dw num.Array, state []num.Array) {
	q.Call(num.AdamUpdate(w, dw, state[0], state[1], o.eta, o.beta1, o.beta2, o.epsilon, step))
}

// stochastic gradient descent with momentum and weight decay
type sgd struct {
	eta, momentum, decay float32
}

func (o sgd) Name() string { return "sgd" }

func (o sgd) Slots() int { return 1 }

func (o sgd) Update(q num.Queue, step int, w, dw num.Array, state []num.Array) {
	q.Call(num.MomentumUpdate(w, dw, state[0], o.eta, o.momentum, o.decay))
}
