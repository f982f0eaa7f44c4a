package rules

import (
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Op is the node type of a condition tree.
type Op string

const (
	OpAnd  Op = "and"
	OpOr   Op = "or"
	OpNot  Op = "not"
	OpLeaf Op = "leaf"
)

// Field names an attribute of EmailContext.
type Field string

const (
	FieldFrom        Field = "from"
	FieldTo          Field = "to"
	FieldSubject     Field = "subject"
	FieldBodySnippet Field = "body_snippet"
	FieldHasLabel    Field = "has_label"
	FieldIsRead      Field = "is_read"
	FieldReceivedAt  Field = "received_at"
	FieldAuthResult  Field = "auth_result"
)

// Operator compares a field against a value.
type Operator string

const (
	OperatorEquals       Operator = "equals"
	OperatorContains     Operator = "contains"
	OperatorMatchesRegex Operator = "matches_regex"
	OperatorExists       Operator = "exists"
	OperatorBefore       Operator = "before"
	OperatorAfter        Operator = "after"
)

// Limits on condition trees accepted by Validate
const (
	MaxConditionDepth  = 8
	MaxConditionLeaves = 50
	maxPatternLength   = 512
)

// Condition is a node of a boolean expression tree. Interior nodes (and, or,
// not) use Children; leaves use Field, Operator and Value. A node with an
// empty Op is a leaf.
type Condition struct {
	Op       Op          `json:"op,omitempty" yaml:"op,omitempty"`
	Children []Condition `json:"children,omitempty" yaml:"children,omitempty"`
	Field    Field       `json:"field,omitempty" yaml:"field,omitempty"`
	Operator Operator    `json:"operator,omitempty" yaml:"operator,omitempty"`
	Value    string      `json:"value,omitempty" yaml:"value,omitempty"`
}

// All returns an AND node over children.
func All(children ...Condition) Condition { return Condition{Op: OpAnd, Children: children} }

// Any returns an OR node over children.
func Any(children ...Condition) Condition { return Condition{Op: OpOr, Children: children} }

// Not negates child.
func Not(child Condition) Condition { return Condition{Op: OpNot, Children: []Condition{child}} }

// Leaf returns a predicate node.
func Leaf(field Field, op Operator, value string) Condition {
	return Condition{Op: OpLeaf, Field: field, Operator: op, Value: value}
}

func (c Condition) isLeaf() bool {
	return c.Op == OpLeaf || c.Op == ""
}

// Evaluate reports whether email satisfies the tree. Children are evaluated
// left to right and evaluation stops as soon as the result is known. A
// malformed node yields a *ValidationError, never a silent false.
func (c Condition) Evaluate(email *EmailContext) (bool, error) {
	switch {
	case c.Op == OpAnd:
		for _, child := range c.Children {
			ok, err := child.Evaluate(email)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil

	case c.Op == OpOr:
		for _, child := range c.Children {
			ok, err := child.Evaluate(email)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil

	case c.Op == OpNot:
		if len(c.Children) != 1 {
			return false, invalid("conditions", "not requires exactly one child, got %d", len(c.Children))
		}
		ok, err := c.Children[0].Evaluate(email)
		if err != nil {
			return false, err
		}
		return !ok, nil

	case c.isLeaf():
		return c.evaluateLeaf(email)

	default:
		return false, invalid("conditions.op", "unknown node type %q", c.Op)
	}
}

func (c Condition) evaluateLeaf(email *EmailContext) (bool, error) {
	if err := checkOperator(c.Field, c.Operator); err != nil {
		return false, err
	}

	switch c.Field {
	case FieldIsRead:
		if c.Operator == OperatorExists {
			return true, nil
		}
		want, err := strconv.ParseBool(c.Value)
		if err != nil {
			return false, invalid("conditions.value", "is_read expects true or false, got %q", c.Value)
		}
		return email.IsRead == want, nil

	case FieldReceivedAt:
		return c.evaluateTime(email.ReceivedAt)
	}

	candidates := fieldValues(email, c.Field)

	switch c.Operator {
	case OperatorExists:
		for _, v := range candidates {
			if strings.TrimSpace(v) != "" {
				return true, nil
			}
		}
		return false, nil

	case OperatorEquals:
		for _, v := range candidates {
			if strings.EqualFold(strings.TrimSpace(v), strings.TrimSpace(c.Value)) {
				return true, nil
			}
		}
		return false, nil

	case OperatorContains:
		needle := strings.ToLower(c.Value)
		for _, v := range candidates {
			if strings.Contains(strings.ToLower(v), needle) {
				return true, nil
			}
		}
		return false, nil

	case OperatorMatchesRegex:
		re, err := compilePattern(c.Value)
		if err != nil {
			return false, err
		}
		for _, v := range candidates {
			if re.MatchString(v) {
				return true, nil
			}
		}
		return false, nil
	}

	return false, invalid("conditions.operator", "unknown operator %q", c.Operator)
}

func (c Condition) evaluateTime(received time.Time) (bool, error) {
	if c.Operator == OperatorExists {
		return !received.IsZero(), nil
	}
	if received.IsZero() {
		return false, nil
	}

	at, dateOnly, err := parseTimeValue(c.Value)
	if err != nil {
		return false, err
	}

	switch c.Operator {
	case OperatorEquals:
		if dateOnly {
			return received.UTC().Format(time.DateOnly) == at.Format(time.DateOnly), nil
		}
		return received.Equal(at), nil
	case OperatorBefore:
		return received.Before(at), nil
	case OperatorAfter:
		if dateOnly {
			return !received.Before(at.AddDate(0, 0, 1)), nil
		}
		return received.After(at), nil
	}
	return false, invalid("conditions.operator", "unknown operator %q", c.Operator)
}

// fieldValues returns every string the field can match against. Address
// fields yield both the raw header form and the bare address.
func fieldValues(email *EmailContext, field Field) []string {
	switch field {
	case FieldFrom:
		return addressForms(email.From)
	case FieldTo:
		var out []string
		for _, to := range email.To {
			out = append(out, addressForms(to)...)
		}
		return out
	case FieldSubject:
		return []string{email.Subject}
	case FieldBodySnippet:
		return []string{email.BodySnippet}
	case FieldHasLabel:
		return email.Labels
	case FieldAuthResult:
		return email.AuthResults
	}
	return nil
}

func addressForms(addr string) []string {
	bare := extractAddress(addr)
	if bare == addr || bare == "" {
		return []string{addr}
	}
	return []string{addr, bare}
}

// extractAddress extracts the address from "Name <local@domain>".
func extractAddress(addr string) string {
	if idx := strings.Index(addr, "<"); idx >= 0 {
		end := strings.LastIndex(addr, ">")
		if end > idx {
			addr = addr[idx+1 : end]
		}
	}
	return strings.TrimSpace(addr)
}

// checkOperator enforces which operators a field supports.
func checkOperator(field Field, op Operator) error {
	switch field {
	case FieldFrom, FieldTo, FieldSubject, FieldBodySnippet, FieldHasLabel, FieldAuthResult:
		switch op {
		case OperatorEquals, OperatorContains, OperatorMatchesRegex, OperatorExists:
			return nil
		}
	case FieldIsRead:
		switch op {
		case OperatorEquals, OperatorExists:
			return nil
		}
	case FieldReceivedAt:
		switch op {
		case OperatorEquals, OperatorExists, OperatorBefore, OperatorAfter:
			return nil
		}
	default:
		return invalid("conditions.field", "unknown field %q", field)
	}
	return invalid("conditions.operator", "operator %q is not supported for field %q", op, field)
}

func parseTimeValue(v string) (time.Time, bool, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, false, nil
	}
	if t, err := time.Parse(time.DateOnly, v); err == nil {
		return t, true, nil
	}
	return time.Time{}, false, invalid("conditions.value", "received_at expects RFC3339 or YYYY-MM-DD, got %q", v)
}

// maxCachedPatterns bounds the compiled pattern cache. Patterns come from
// user rules, so the cache starts over instead of growing without limit.
const maxCachedPatterns = 1024

// patterns holds compiled patterns shared across evaluations; matching is
// case-insensitive.
var patterns = patternCache{m: make(map[string]*regexp.Regexp)}

type patternCache struct {
	mu sync.RWMutex
	m  map[string]*regexp.Regexp
}

func (c *patternCache) get(pattern string) (*regexp.Regexp, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	re, ok := c.m[pattern]
	return re, ok
}

func (c *patternCache) put(pattern string, re *regexp.Regexp) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.m) >= maxCachedPatterns {
		clear(c.m)
	}
	c.m[pattern] = re
}

func (c *patternCache) size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.m)
}

func compilePattern(pattern string) (*regexp.Regexp, error) {
	if re, ok := patterns.get(pattern); ok {
		return re, nil
	}
	if len(pattern) > maxPatternLength {
		return nil, invalid("conditions.value", "pattern exceeds %d characters", maxPatternLength)
	}
	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		return nil, invalid("conditions.value", "invalid regex: %v", err)
	}
	patterns.put(pattern, re)
	return re, nil
}
