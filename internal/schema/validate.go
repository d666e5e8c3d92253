package schema

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strings"
	"unicode/utf8"

	"github.com/mitchellh/mapstructure"

	"planforge/internal/domain"
)

// ValidateGoalInput checks an untyped request body and narrows it to a GoalInput.
func ValidateGoalInput(v any) (domain.GoalInput, error) {
	obj, err := objectAt(v, "", "body")
	if err != nil {
		return domain.GoalInput{}, err
	}
	goal, err := obj.nonEmptyString("goal")
	if err != nil {
		return domain.GoalInput{}, err
	}
	if n := utf8.RuneCountInString(goal); n > domain.MaxGoalLength {
		return domain.GoalInput{}, fieldError(obj.field("goal"), "must be at most %d characters, got %d", domain.MaxGoalLength, n)
	}
	if _, err := obj.enumString("priority", priorityValues); err != nil {
		return domain.GoalInput{}, err
	}
	if raw, ok := obj.m["timeAvailable"]; ok && raw != nil {
		if _, isString := raw.(string); !isString {
			return domain.GoalInput{}, fieldError(obj.field("timeAvailable"), "must be a string")
		}
	}
	var out domain.GoalInput
	if err := narrow(obj.m, &out); err != nil {
		return domain.GoalInput{}, err
	}
	return out, nil
}

// ValidateGoalAnalysis checks the complexity analysis fragment.
func ValidateGoalAnalysis(v any) (domain.GoalAnalysis, error) {
	obj, err := objectAt(v, "", "")
	if err != nil {
		return domain.GoalAnalysis{}, err
	}
	return goalAnalysisAt(obj)
}

// ValidateStepPlan checks the step generation fragment. The step list must be
// non-empty; its length is otherwise unconstrained.
func ValidateStepPlan(v any) (domain.StepPlan, error) {
	obj, err := objectAt(v, "", "")
	if err != nil {
		return domain.StepPlan{}, err
	}
	steps, err := actionStepsAt(obj)
	if err != nil {
		return domain.StepPlan{}, err
	}
	total, err := obj.str("totalEstimatedTime")
	if err != nil {
		return domain.StepPlan{}, err
	}
	return domain.StepPlan{ActionSteps: steps, TotalEstimatedTime: total}, nil
}

// ValidateRisks checks the risk identification fragment. An empty list is valid.
func ValidateRisks(v any) ([]domain.Risk, error) {
	obj, err := objectAt(v, "", "")
	if err != nil {
		return nil, err
	}
	return risksAt(obj)
}

// ValidateNextAction checks the next-action fragment.
func ValidateNextAction(v any) (domain.NextAction, error) {
	obj, err := objectAt(v, "", "")
	if err != nil {
		return domain.NextAction{}, err
	}
	return nextActionAt(obj)
}

// ValidateAgentResponse checks the assembled plan end to end and reports the
// first failing path, e.g. actionSteps[2].title.
func ValidateAgentResponse(v any) (domain.AgentResponse, error) {
	obj, err := objectAt(v, "", "")
	if err != nil {
		return domain.AgentResponse{}, err
	}
	var out domain.AgentResponse

	analysisObj, err := obj.object("goalAnalysis")
	if err != nil {
		return domain.AgentResponse{}, err
	}
	if out.GoalAnalysis, err = goalAnalysisAt(analysisObj); err != nil {
		return domain.AgentResponse{}, err
	}
	if out.ActionSteps, err = actionStepsAt(obj); err != nil {
		return domain.AgentResponse{}, err
	}
	if out.TotalEstimatedTime, err = obj.str("totalEstimatedTime"); err != nil {
		return domain.AgentResponse{}, err
	}
	if out.Risks, err = risksAt(obj); err != nil {
		return domain.AgentResponse{}, err
	}
	nextObj, err := obj.object("nextImmediateAction")
	if err != nil {
		return domain.AgentResponse{}, err
	}
	if out.NextImmediateAction, err = nextActionAt(nextObj); err != nil {
		return domain.AgentResponse{}, err
	}
	return out, nil
}

func goalAnalysisAt(obj object) (domain.GoalAnalysis, error) {
	summary, err := obj.nonEmptyString("summary")
	if err != nil {
		return domain.GoalAnalysis{}, err
	}
	if n := utf8.RuneCountInString(strings.TrimSpace(summary)); n < domain.MinSummaryLength {
		return domain.GoalAnalysis{}, fieldError(obj.field("summary"), "must be at least %d characters, got %d", domain.MinSummaryLength, n)
	}
	if _, err := obj.nonEmptyString("category"); err != nil {
		return domain.GoalAnalysis{}, err
	}
	if _, err := obj.enumString("complexity", complexityValues); err != nil {
		return domain.GoalAnalysis{}, err
	}
	var out domain.GoalAnalysis
	if err := narrow(obj.m, &out); err != nil {
		return domain.GoalAnalysis{}, err
	}
	return out, nil
}

func actionStepsAt(obj object) ([]domain.ActionStep, error) {
	items, err := obj.array("actionSteps", true)
	if err != nil {
		return nil, err
	}
	steps := make([]domain.ActionStep, 0, len(items))
	for i, item := range items {
		stepObj, err := objectAt(item, indexPath(obj.field("actionSteps"), i), "")
		if err != nil {
			return nil, err
		}
		if _, err := stepObj.positiveInt("stepNumber"); err != nil {
			return nil, err
		}
		if _, err := stepObj.nonEmptyString("title"); err != nil {
			return nil, err
		}
		if _, err := stepObj.nonEmptyString("description"); err != nil {
			return nil, err
		}
		if _, err := stepObj.str("estimatedTime"); err != nil {
			return nil, err
		}
		if err := stepObj.stringArray("dependencies"); err != nil {
			return nil, err
		}
		var step domain.ActionStep
		if err := narrow(stepObj.m, &step); err != nil {
			return nil, err
		}
		if step.Dependencies == nil {
			step.Dependencies = []string{}
		}
		steps = append(steps, step)
	}
	return steps, nil
}

func risksAt(obj object) ([]domain.Risk, error) {
	items, err := obj.array("risks", false)
	if err != nil {
		return nil, err
	}
	risks := make([]domain.Risk, 0, len(items))
	for i, item := range items {
		riskObj, err := objectAt(item, indexPath(obj.field("risks"), i), "")
		if err != nil {
			return nil, err
		}
		if _, err := riskObj.str("id"); err != nil {
			return nil, err
		}
		if _, err := riskObj.nonEmptyString("title"); err != nil {
			return nil, err
		}
		if _, err := riskObj.enumString("severity", severityValues); err != nil {
			return nil, err
		}
		if _, err := riskObj.nonEmptyString("mitigation"); err != nil {
			return nil, err
		}
		var risk domain.Risk
		if err := narrow(riskObj.m, &risk); err != nil {
			return nil, err
		}
		risks = append(risks, risk)
	}
	return risks, nil
}

func nextActionAt(obj object) (domain.NextAction, error) {
	for _, key := range []string{"action", "reasoning", "timeframe"} {
		if _, err := obj.nonEmptyString(key); err != nil {
			return domain.NextAction{}, err
		}
	}
	var out domain.NextAction
	if err := narrow(obj.m, &out); err != nil {
		return domain.NextAction{}, err
	}
	return out, nil
}

var (
	priorityValues   = enumValues(domain.Priorities)
	complexityValues = enumValues(domain.Complexities)
	severityValues   = enumValues(domain.Severities)
)

func enumValues[T ~string](vals []T) []string {
	out := make([]string, len(vals))
	for i, v := range vals {
		out[i] = string(v)
	}
	return out
}

// object is a JSON object together with its dotted path from the root.
type object struct {
	path string
	m    map[string]any
}

func objectAt(v any, path, rootName string) (object, error) {
	m, ok := v.(map[string]any)
	if !ok {
		field := path
		if field == "" {
			field = rootName
		}
		return object{}, fieldError(field, "must be an object")
	}
	return object{path: path, m: m}, nil
}

func (o object) field(key string) string {
	if o.path == "" {
		return key
	}
	return o.path + "." + key
}

func (o object) lookup(key string) (any, error) {
	v, ok := o.m[key]
	if !ok || v == nil {
		return nil, fieldError(o.field(key), "is required")
	}
	return v, nil
}

func (o object) object(key string) (object, error) {
	v, err := o.lookup(key)
	if err != nil {
		return object{}, err
	}
	return objectAt(v, o.field(key), "")
}

func (o object) str(key string) (string, error) {
	v, err := o.lookup(key)
	if err != nil {
		return "", err
	}
	s, ok := v.(string)
	if !ok {
		return "", fieldError(o.field(key), "must be a string")
	}
	return s, nil
}

func (o object) nonEmptyString(key string) (string, error) {
	s, err := o.str(key)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(s) == "" {
		return "", fieldError(o.field(key), "must not be empty")
	}
	return s, nil
}

func (o object) enumString(key string, allowed []string) (string, error) {
	s, err := o.str(key)
	if err != nil {
		return "", err
	}
	for _, a := range allowed {
		if s == a {
			return s, nil
		}
	}
	return "", fieldError(o.field(key), "must be one of %s", strings.Join(allowed, ", "))
}

func (o object) positiveInt(key string) (int, error) {
	v, err := o.lookup(key)
	if err != nil {
		return 0, err
	}
	f, ok := numberValue(v)
	if !ok || f != math.Trunc(f) || f < 1 || f > math.MaxInt32 {
		return 0, fieldError(o.field(key), "must be a positive integer")
	}
	return int(f), nil
}

func (o object) array(key string, nonEmpty bool) ([]any, error) {
	v, err := o.lookup(key)
	if err != nil {
		return nil, err
	}
	items, ok := v.([]any)
	if !ok {
		return nil, fieldError(o.field(key), "must be an array")
	}
	if nonEmpty && len(items) == 0 {
		return nil, fieldError(o.field(key), "must contain at least one item")
	}
	return items, nil
}

func (o object) stringArray(key string) error {
	items, err := o.array(key, false)
	if err != nil {
		return err
	}
	for i, item := range items {
		if _, ok := item.(string); !ok {
			return fieldError(indexPath(o.field(key), i), "must be a string")
		}
	}
	return nil
}

func indexPath(path string, i int) string {
	return fmt.Sprintf("%s[%d]", path, i)
}

func numberValue(v any) (float64, bool) {
	switch n := v.(type) {
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// narrow decodes an already-checked map into its typed entity.
func narrow(m map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:     out,
		DecodeHook: numberToIntHook,
	})
	if err != nil {
		return fmt.Errorf("schema decoder: %w", err)
	}
	if err := dec.Decode(m); err != nil {
		return &ValidationError{Message: err.Error()}
	}
	return nil
}

func numberToIntHook(_ reflect.Type, to reflect.Type, data any) (any, error) {
	if to.Kind() != reflect.Int {
		return data, nil
	}
	if f, ok := numberValue(data); ok {
		return int(f), nil
	}
	return data, nil
}
