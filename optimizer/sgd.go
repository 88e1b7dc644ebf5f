package optimizer

import (
	"fmt"

	"github.com/clipfield/clipfield/tensor"
)

// SGD implements stochastic gradient descent with optional momentum, weight
// decay and Nesterov acceleration.
type SGD struct {
	parameters   []*tensor.Tensor
	learningRate float64
	momentum     float64
	weightDecay  float64
	nesterov     bool
	velocities   []*tensor.Tensor // parallel to parameters, nil when momentum == 0
	stepCount    uint64
}

// NewSGD creates an SGD optimizer over the given parameters.
func NewSGD(parameters []*tensor.Tensor, lr, momentum, weightDecay float64, nesterov bool) (*SGD, error) {
	if lr <= 0 {
		return nil, fmt.Errorf("learning rate must be positive, got %f", lr)
	}
	if nesterov && momentum == 0 {
		return nil, fmt.Errorf("nesterov momentum requires momentum > 0")
	}

	sgd := &SGD{
		parameters:   parameters,
		learningRate: lr,
		momentum:     momentum,
		weightDecay:  weightDecay,
		nesterov:     nesterov,
	}

	if momentum > 0 {
		sgd.velocities = make([]*tensor.Tensor, len(parameters))
		for i, param := range parameters {
			if !param.RequiresGrad() {
				continue
			}
			velocity, err := tensor.Zeros(param.Shape, param.DType, param.Device)
			if err != nil {
				return nil, fmt.Errorf("velocity initialization failed: %v", err)
			}
			sgd.velocities[i] = velocity
		}
	}

	return sgd, nil
}

// Step performs one parameter update.
func (sgd *SGD) Step() error {
	for i, param := range sgd.parameters {
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

		for j := range paramData {
			g := float64(gradData[j])

			if sgd.weightDecay > 0 {
				g += sgd.weightDecay * float64(paramData[j])
			}

			if sgd.momentum > 0 {
				vData, _ := sgd.velocities[i].GetFloat32Data()
				v := sgd.momentum*float64(vData[j]) + g
				vData[j] = float32(v)
				if sgd.nesterov {
					g += sgd.momentum * v
				} else {
					g = v
				}
			}

			paramData[j] -= float32(sgd.learningRate * g)
		}
	}

	sgd.stepCount++
	return nil
}

// ZeroGrad resets all parameter gradients.
func (sgd *SGD) ZeroGrad() {
	tensor.ZeroGrad(sgd.parameters)
}

func (sgd *SGD) GetLR() float64 {
	return sgd.learningRate
}

func (sgd *SGD) SetLR(lr float64) {
	sgd.learningRate = lr
}

func (sgd *SGD) GetStepCount() uint64 {
	return sgd.stepCount
}

// GetState exports momentum buffers and hyperparameters.
func (sgd *SGD) GetState() (*State, error) {
	state := &State{
		Type: "SGD",
		Parameters: map[string]interface{}{
			"learning_rate": sgd.learningRate,
			"momentum":      sgd.momentum,
			"weight_decay":  sgd.weightDecay,
			"step_count":    float64(sgd.stepCount),
		},
	}

	for i, velocity := range sgd.velocities {
		if velocity == nil {
			continue
		}
		st, err := exportBuffer(fmt.Sprintf("momentum_%d", i), "momentum", velocity)
		if err != nil {
			return nil, err
		}
		state.StateData = append(state.StateData, st)
	}

	return state, nil
}

// LoadState restores momentum buffers and hyperparameters.
func (sgd *SGD) LoadState(state *State) error {
	if err := validateStateType("SGD", state); err != nil {
		return err
	}

	lr, err := floatParam(state.Parameters, "learning_rate")
	if err != nil {
		return err
	}
	sgd.learningRate = lr

	if steps, err := floatParam(state.Parameters, "step_count"); err == nil {
		sgd.stepCount = uint64(steps)
	}

	for _, st := range state.StateData {
		var idx int
		if n, err := fmt.Sscanf(st.Name, "momentum_%d", &idx); n != 1 || err != nil {
			return fmt.Errorf("unrecognized SGD state tensor %q", st.Name)
		}
		if idx < 0 || idx >= len(sgd.velocities) || sgd.velocities[idx] == nil {
			return fmt.Errorf("state tensor %q does not match any velocity buffer", st.Name)
		}
		if err := importBuffer(st, sgd.velocities[idx]); err != nil {
			return err
		}
	}

	return nil
}
