package optimizer

import (
	"fmt"
	"math"

	"github.com/clipfield/clipfield/tensor"
)

// Adam implements the Adam optimizer with bias-corrected first and second
// moment estimates, running entirely on CPU tensors.
type Adam struct {
	parameters   []*tensor.Tensor
	learningRate float64
	beta1        float64
	beta2        float64
	epsilon      float64
	weightDecay  float64
	m            []*tensor.Tensor // first moment, parallel to parameters
	v            []*tensor.Tensor // second moment, parallel to parameters
	stepCount    uint64
}

// NewAdam creates an Adam optimizer over the given parameters.
func NewAdam(parameters []*tensor.Tensor, lr, beta1, beta2, epsilon, weightDecay float64) (*Adam, error) {
	if lr <= 0 {
		return nil, fmt.Errorf("learning rate must be positive, got %f", lr)
	}
	if beta1 < 0 || beta1 >= 1 {
		return nil, fmt.Errorf("beta1 must be in [0, 1), got %f", beta1)
	}
	if beta2 < 0 || beta2 >= 1 {
		return nil, fmt.Errorf("beta2 must be in [0, 1), got %f", beta2)
	}
	if epsilon <= 0 {
		return nil, fmt.Errorf("epsilon must be positive, got %f", epsilon)
	}

	adam := &Adam{
		parameters:   parameters,
		learningRate: lr,
		beta1:        beta1,
		beta2:        beta2,
		epsilon:      epsilon,
		weightDecay:  weightDecay,
		m:            make([]*tensor.Tensor, len(parameters)),
		v:            make([]*tensor.Tensor, len(parameters)),
	}

	for i, param := range parameters {
		if !param.RequiresGrad() {
			continue
		}
		m, err := tensor.Zeros(param.Shape, param.DType, param.Device)
		if err != nil {
			return nil, fmt.Errorf("first moment initialization failed: %v", err)
		}
		v, err := tensor.Zeros(param.Shape, param.DType, param.Device)
		if err != nil {
			return nil, fmt.Errorf("second moment initialization failed: %v", err)
		}
		adam.m[i] = m
		adam.v[i] = v
	}

	return adam, nil
}

// DefaultAdam creates an Adam optimizer with the standard hyperparameters
// (beta1=0.9, beta2=0.999, epsilon=1e-8, no weight decay).
func DefaultAdam(parameters []*tensor.Tensor, lr float64) (*Adam, error) {
	return NewAdam(parameters, lr, 0.9, 0.999, 1e-8, 0)
}

// Step performs one bias-corrected Adam update.
func (adam *Adam) Step() error {
	adam.stepCount++
	bc1 := 1.0 - math.Pow(adam.beta1, float64(adam.stepCount))
	bc2 := 1.0 - math.Pow(adam.beta2, float64(adam.stepCount))

	for i, param := range adam.parameters {
		if !param.RequiresGrad() || param.Grad() == nil {
			continue
		}

		paramData, err := param.GetFloat32Data()
		if err != nil {
			return fmt.Errorf("parameter %d: %v", i, err)
		}
		gradData, err := param.Grad().GetFloat32Data()
		if err != nil {
			return fmt.Errorf("parameter %d gradient: %v", i, err)
		}
		mData, _ := adam.m[i].GetFloat32Data()
		vData, _ := adam.v[i].GetFloat32Data()

		for j := range paramData {
			g := float64(gradData[j])
			if adam.weightDecay > 0 {
				g += adam.weightDecay * float64(paramData[j])
			}

			m := adam.beta1*float64(mData[j]) + (1.0-adam.beta1)*g
			v := adam.beta2*float64(vData[j]) + (1.0-adam.beta2)*g*g
			mData[j] = float32(m)
			vData[j] = float32(v)

			mHat := m / bc1
			vHat := v / bc2
			paramData[j] -= float32(adam.learningRate * mHat / (math.Sqrt(vHat) + adam.epsilon))
		}
	}

	return nil
}

// ZeroGrad resets all parameter gradients.
func (adam *Adam) ZeroGrad() {
	tensor.ZeroGrad(adam.parameters)
}

func (adam *Adam) GetLR() float64 {
	return adam.learningRate
}

func (adam *Adam) SetLR(lr float64) {
	adam.learningRate = lr
}

func (adam *Adam) GetStepCount() uint64 {
	return adam.stepCount
}

// GetState exports moment buffers and hyperparameters.
func (adam *Adam) GetState() (*State, error) {
	state := &State{
		Type: "Adam",
		Parameters: map[string]interface{}{
			"learning_rate": adam.learningRate,
			"beta1":         adam.beta1,
			"beta2":         adam.beta2,
			"epsilon":       adam.epsilon,
			"weight_decay":  adam.weightDecay,
			"step_count":    float64(adam.stepCount),
		},
	}

	for i := range adam.parameters {
		if adam.m[i] == nil {
			continue
		}
		mState, err := exportBuffer(fmt.Sprintf("m_%d", i), "first_moment", adam.m[i])
		if err != nil {
			return nil, err
		}
		vState, err := exportBuffer(fmt.Sprintf("v_%d", i), "second_moment", adam.v[i])
		if err != nil {
			return nil, err
		}
		state.StateData = append(state.StateData, mState, vState)
	}

	return state, nil
}

// LoadState restores moment buffers and hyperparameters.
func (adam *Adam) LoadState(state *State) error {
	if err := validateStateType("Adam", state); err != nil {
		return err
	}

	lr, err := floatParam(state.Parameters, "learning_rate")
	if err != nil {
		return err
	}
	adam.learningRate = lr

	if b1, err := floatParam(state.Parameters, "beta1"); err == nil {
		adam.beta1 = b1
	}
	if b2, err := floatParam(state.Parameters, "beta2"); err == nil {
		adam.beta2 = b2
	}
	if eps, err := floatParam(state.Parameters, "epsilon"); err == nil {
		adam.epsilon = eps
	}
	if wd, err := floatParam(state.Parameters, "weight_decay"); err == nil {
		adam.weightDecay = wd
	}
	steps, err := floatParam(state.Parameters, "step_count")
	if err != nil {
		return err
	}
	adam.stepCount = uint64(steps)

	for _, st := range state.StateData {
		var idx int
		var dst []*tensor.Tensor
		if n, _ := fmt.Sscanf(st.Name, "m_%d", &idx); n == 1 {
			dst = adam.m
		} else if n, _ := fmt.Sscanf(st.Name, "v_%d", &idx); n == 1 {
			dst = adam.v
		} else {
			return fmt.Errorf("unrecognized Adam state tensor %q", st.Name)
		}
		if idx < 0 || idx >= len(dst) || dst[idx] == nil {
			return fmt.Errorf("state tensor %q does not match any moment buffer", st.Name)
		}
		if err := importBuffer(st, dst[idx]); err != nil {
			return err
		}
	}

	return nil
}
