package rules

import (
	"errors"
	"strconv"

	"github.com/fenilsonani/mailrules/internal/validation"
)

// MaxActionsPerRule bounds the action list of one rule.
const MaxActionsPerRule = 20

// Validate checks a rule before it is persisted or tested.
func Validate(r *Rule) error {
	if r == nil {
		return invalid("", "rule is nil")
	}
	if err := validation.Owner(r.OwnerID); err != nil {
		return invalid("owner_id", "%v", err)
	}
	if err := validation.RuleName(r.Name); err != nil {
		return invalid("name", "%v", err)
	}
	if r.Priority < 0 {
		return invalid("priority", "must not be negative (got %d)", r.Priority)
	}
	if err := ValidateConditions(r.Conditions); err != nil {
		return err
	}
	return ValidateActions(r.Actions)
}

// ValidateActions checks an action list: non-empty, bounded, well formed, and
// at most one stop_processing which must come last.
func ValidateActions(actions []Action) error {
	if len(actions) == 0 {
		return invalid("actions", "at least one action is required")
	}
	if len(actions) > MaxActionsPerRule {
		return invalid("actions", "at most %d actions are allowed (got %d)", MaxActionsPerRule, len(actions))
	}

	for i, a := range actions {
		field := "actions[" + strconv.Itoa(i) + "]"
		switch v := a.(type) {
		case AddLabel:
			if err := validation.Label(v.Label); err != nil {
				return invalid(field+".label", "%v", err)
			}
		case RemoveLabel:
			if err := validation.Label(v.Label); err != nil {
				return invalid(field+".label", "%v", err)
			}
		case Forward:
			if err := validation.Address(v.Address); err != nil {
				return invalid(field+".address", "%v", err)
			}
		case StopProcessing:
			if i != len(actions)-1 {
				return invalid(field, "stop_processing must be the last action")
			}
		case Archive, MarkRead:
		case nil:
			return invalid(field, "action is nil")
		default:
			return invalid(field, "unsupported action %T", a)
		}
	}

	return nil
}

// ValidateConditions checks structure, fields, operators, values and size of
// a condition tree.
func ValidateConditions(c Condition) error {
	leaves := 0
	return validateNode(c, 1, &leaves)
}

func validateNode(c Condition, depth int, leaves *int) error {
	if depth > MaxConditionDepth {
		return invalid("conditions", "tree is deeper than %d levels", MaxConditionDepth)
	}

	switch {
	case c.Op == OpAnd || c.Op == OpOr:
		if len(c.Children) == 0 {
			return invalid("conditions", "%s requires at least one child", c.Op)
		}
		for _, child := range c.Children {
			if err := validateNode(child, depth+1, leaves); err != nil {
				return err
			}
		}
		return nil

	case c.Op == OpNot:
		if len(c.Children) != 1 {
			return invalid("conditions", "not requires exactly one child, got %d", len(c.Children))
		}
		return validateNode(c.Children[0], depth+1, leaves)

	case c.isLeaf():
		*leaves++
		if *leaves > MaxConditionLeaves {
			return invalid("conditions", "more than %d predicates", MaxConditionLeaves)
		}
		if len(c.Children) > 0 {
			return invalid("conditions", "leaf predicate on %q cannot have children", c.Field)
		}
		if err := checkOperator(c.Field, c.Operator); err != nil {
			return err
		}
		return validateValue(c)

	default:
		return invalid("conditions.op", "unknown node type %q", c.Op)
	}
}

func validateValue(c Condition) error {
	if c.Operator == OperatorExists {
		return nil
	}
	if c.Value == "" {
		return invalid("conditions.value", "operator %q on %q requires a value", c.Operator, c.Field)
	}

	switch {
	case c.Field == FieldIsRead:
		if _, err := strconv.ParseBool(c.Value); err != nil {
			return invalid("conditions.value", "is_read expects true or false, got %q", c.Value)
		}
	case c.Field == FieldReceivedAt:
		if _, _, err := parseTimeValue(c.Value); err != nil {
			return err
		}
	case c.Operator == OperatorMatchesRegex:
		if _, err := compilePattern(c.Value); err != nil {
			return err
		}
	}
	return nil
}

// IsValidationError reports whether err is (or wraps) a *ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
