package workflow

import "fmt"

// Params are the per request values injected into the workflow
type Params struct {
	ImageFilename string
	Seed          int64
}

const (
	ParamImage = "image"
	ParamSeed  = "seed"
)

// Binding ties a request parameter to a node input
type Binding struct {
	Param  string
	NodeID string
	Input  string
}

// DefaultBindings is the fixed correspondence for the bundled
// workflow_api.json: the LoadImage node and the KSampler seed.
var DefaultBindings = []Binding{
	{Param: ParamImage, NodeID: "12", Input: "image"},
	{Param: ParamSeed, NodeID: "3", Input: "seed"},
}

type Patcher struct {
	Bindings []Binding
}

func NewPatcher() *Patcher {
	return &Patcher{Bindings: DefaultBindings}
}

func (p Params) value(name string) (interface{}, error) {
	switch name {
	case ParamImage:
		return p.ImageFilename, nil
	case ParamSeed:
		return p.Seed, nil
	}
	return nil, fmt.Errorf("unknown workflow parameter %q", name)
}

// Apply writes params into wf in place
func (p *Patcher) Apply(wf Workflow, params Params) error {
	for _, b := range p.Bindings {
		v, err := params.value(b.Param)
		if err != nil {
			return err
		}
		if err := wf.SetInput(b.NodeID, b.Input, v); err != nil {
			return fmt.Errorf("setting %s: %w", b.Param, err)
		}
	}
	return nil
}
