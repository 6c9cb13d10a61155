package agentclient

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/owulveryck/cauldron/internal/message"
)

// RegisterDefaultHandlers installs the demo task types: greeting,
// math_calculation, random_number and echo. When only is not empty just the
// named types are installed.
func (a *Agent) RegisterDefaultHandlers(only ...string) error {
	defaults := map[string]TaskHandler{
		"greeting":         a.handleGreetingTask,
		"math_calculation": a.handleMathTask,
		"random_number":    a.handleRandomNumberTask,
		"echo":             a.handleEchoTask,
	}
	if len(only) == 0 {
		for taskType, h := range defaults {
			a.RegisterTaskHandler(taskType, h)
		}
		return nil
	}
	for _, taskType := range only {
		h, ok := defaults[taskType]
		if !ok {
			return fmt.Errorf("no default handler for task type %q", taskType)
		}
		a.RegisterTaskHandler(taskType, h)
	}
	return nil
}

func (a *Agent) stamp(result map[string]any) map[string]any {
	result["processed_by"] = a.id
	result["processed_at"] = time.Now().Format(time.RFC3339)
	return result
}

func (a *Agent) handleGreetingTask(ctx context.Context, t *message.TaskAssignment) (map[string]any, error) {
	name, _ := t.InputData["name"].(string)
	if name == "" {
		return nil, &TaskError{Type: "invalid_input", Message: "Name parameter is required"}
	}
	return a.stamp(map[string]any{
		"greeting": fmt.Sprintf("Hello, %s! Nice to meet you.", name),
	}), nil
}

func (a *Agent) handleMathTask(ctx context.Context, t *message.TaskAssignment) (map[string]any, error) {
	operation, _ := t.InputData["operation"].(string)
	x, okA := number(t.InputData["a"])
	y, okB := number(t.InputData["b"])
	if !okA || !okB {
		return nil, &TaskError{Type: "invalid_input", Message: "Operands a and b must be numbers"}
	}

	var result float64
	switch operation {
	case "add":
		result = x + y
	case "subtract":
		result = x - y
	case "multiply":
		result = x * y
	case "divide":
		if y == 0 {
			return nil, &TaskError{Type: "division_by_zero", Message: "Division by zero"}
		}
		result = x / y
	default:
		return nil, &TaskError{Type: "invalid_input", Message: fmt.Sprintf("Unknown operation: %s", operation)}
	}

	return a.stamp(map[string]any{
		"operation": operation,
		"a":         x,
		"b":         y,
		"result":    result,
	}), nil
}

func (a *Agent) handleRandomNumberTask(ctx context.Context, t *message.TaskAssignment) (map[string]any, error) {
	f, _ := number(t.InputData["seed"])
	seed := int64(f)

	r := rand.New(rand.NewSource(seed))
	return a.stamp(map[string]any{
		"seed":          seed,
		"random_number": r.Intn(1000),
	}), nil
}

// handleEchoTask returns the input data unchanged.
func (a *Agent) handleEchoTask(ctx context.Context, t *message.TaskAssignment) (map[string]any, error) {
	out := make(map[string]any, len(t.InputData)+2)
	for k, v := range t.InputData {
		out[k] = v
	}
	return a.stamp(out), nil
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	default:
		return 0, false
	}
}
