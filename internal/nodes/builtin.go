package nodes

import "github.com/rendis/nodeflow/internal/expressions"

// RegisterBuiltins registers the four built-in capabilities. Agent and tool
// nodes are only available when the matching invoker is non-nil.
func RegisterBuiltins(r *Registry, engines *expressions.Set, agents AgentInvoker, tools ToolInvoker) error {
	caps := []Capability{
		&TransformCapability{Engines: engines},
		&ConditionalCapability{CEL: engines.CEL},
	}
	if agents != nil {
		caps = append(caps, &AgentCapability{Invoker: agents})
	}
	if tools != nil {
		caps = append(caps, &ToolCapability{Invoker: tools})
	}
	for _, c := range caps {
		if err := r.Register(c); err != nil {
			return err
		}
	}
	return nil
}
