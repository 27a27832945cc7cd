package process

import (
	"encoding/json"
	"fmt"

	"github.com/manwithacat/dazzle-sub009/compensation"
)

// runDocument is the run's mutable context: step results, received signal
// payloads, the resume position and recorded compensations. It is stored
// as JSON in the run's context column and is the only execution state a
// worker needs besides the process spec.
type runDocument struct {
	// Steps holds the result of each completed step by name. A nil value
	// is a null result (e.g. read of a missing row); an empty map is a
	// not-applicable result.
	Steps map[string]map[string]any `json:"steps,omitempty"`

	// Signals holds received signal payloads by signal name.
	Signals map[string]map[string]any `json:"signals,omitempty"`

	// NextStep is the index of the next step to execute.
	NextStep int `json:"next_step,omitempty"`

	// WaitingTask is the open task ID while the run waits on a human
	// task step.
	WaitingTask string `json:"waiting_task,omitempty"`

	// Compensations are the recorded compensating actions, in execution
	// order.
	Compensations []compensation.Recorded `json:"compensations,omitempty"`
}

func decodeRunDocument(data []byte) (*runDocument, error) {
	doc := &runDocument{}
	if len(data) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(data, doc); err != nil {
		return nil, fmt.Errorf("failed to decode run context: %w", err)
	}
	return doc, nil
}

func (d *runDocument) encode() ([]byte, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("failed to encode run context: %w", err)
	}
	return data, nil
}

func (d *runDocument) setStepResult(name string, result map[string]any) {
	if d.Steps == nil {
		d.Steps = make(map[string]map[string]any)
	}
	d.Steps[name] = result
}

func (d *runDocument) setSignal(name string, payload map[string]any) {
	if d.Signals == nil {
		d.Signals = make(map[string]map[string]any)
	}
	if payload == nil {
		payload = map[string]any{}
	}
	d.Signals[name] = payload
}

func decodeInputs(data []byte) (map[string]any, error) {
	if len(data) == 0 {
		return map[string]any{}, nil
	}
	var inputs map[string]any
	if err := json.Unmarshal(data, &inputs); err != nil {
		return nil, fmt.Errorf("failed to decode run inputs: %w", err)
	}
	if inputs == nil {
		inputs = map[string]any{}
	}
	return inputs, nil
}

// stepPayload merges the run inputs with a step's static params; params
// win on conflict.
func stepPayload(inputs map[string]any, step StepSpec) map[string]any {
	payload := make(map[string]any, len(inputs)+len(step.Params))
	for k, v := range inputs {
		payload[k] = v
	}
	for k, v := range step.Params {
		payload[k] = v
	}
	return payload
}
