package expression

// Reserved names addressable inside condition expressions.
const (
	// MemoryName addresses the raw committed memory mapping.
	MemoryName = "memory"
	// OutputName addresses the last node's raw output mapping.
	OutputName = "output"
)

// BuildContext creates an expression evaluation context from the committed
// memory mapping and the last node's raw output. Both are merged at the top
// level with output taking precedence on name collisions, so a memory key
// named "result" never shadows the node's actual "result" output. The raw
// mappings stay separately addressable under the reserved "memory" and
// "output" names for disambiguation.
func BuildContext(memory, output map[string]interface{}) map[string]interface{} {
	ctx := make(map[string]interface{}, len(memory)+len(output)+2)

	for k, v := range memory {
		ctx[k] = v
	}
	for k, v := range output {
		ctx[k] = v
	}

	if memory == nil {
		memory = map[string]interface{}{}
	}
	if output == nil {
		output = map[string]interface{}{}
	}
	ctx[MemoryName] = memory
	ctx[OutputName] = output

	return ctx
}
