// Package condition evaluates Condition node predicates against engagement
// signals and contact fields.
package condition

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aretw0/itinerary/pkg/delay"
	"github.com/aretw0/itinerary/pkg/domain"
)

// Field comparison operators. An empty operator means OpEquals.
const (
	OpEquals         = "equals"
	OpNotEquals      = "not_equals"
	OpContains       = "contains"
	OpNotContains    = "not_contains"
	OpStartsWith     = "starts_with"
	OpEndsWith       = "ends_with"
	OpGreaterThan    = "greater_than"
	OpLessThan       = "less_than"
	OpGreaterOrEqual = "greater_or_equal"
	OpLessOrEqual    = "less_or_equal"
	OpIsEmpty        = "is_empty"
	OpIsNotEmpty     = "is_not_empty"
)

var operators = map[string]bool{
	"": true, OpEquals: true, OpNotEquals: true, OpContains: true, OpNotContains: true,
	OpStartsWith: true, OpEndsWith: true, OpGreaterThan: true, OpLessThan: true,
	OpGreaterOrEqual: true, OpLessOrEqual: true, OpIsEmpty: true, OpIsNotEmpty: true,
}

// ValidOperator reports whether op is a known field operator.
func ValidOperator(op string) bool {
	return operators[op]
}

// Window returns how long a prospect waits at the condition before evaluation.
func Window(spec domain.ConditionSpec) (time.Duration, error) {
	return delay.Duration(spec.WindowMagnitude, spec.WindowUnit)
}

// Evaluate returns the branch selected by spec for prospect p.
// signals must already be limited to the prospect's time at the node.
func Evaluate(spec domain.ConditionSpec, p domain.Prospect, signals []domain.Engagement) (string, error) {
	ok, err := Holds(spec, p, signals)
	if err != nil {
		return "", err
	}
	if ok {
		return domain.BranchYes, nil
	}
	return domain.BranchNo, nil
}

// Holds reports whether the predicate is true.
func Holds(spec domain.ConditionSpec, p domain.Prospect, signals []domain.Engagement) (bool, error) {
	switch spec.Predicate {
	case domain.PredicateOpened:
		// A click implies the message was opened even when the pixel was blocked.
		return count(signals, domain.EngagementOpen) > 0 || count(signals, domain.EngagementClick) > 0, nil
	case domain.PredicateClicked:
		return count(signals, domain.EngagementClick) > 0, nil
	case domain.PredicateReplied:
		return count(signals, domain.EngagementReply) > 0, nil
	case domain.PredicateField:
		return compare(lookup(spec.Field, p, signals), spec.Operator, spec.Value)
	default:
		return false, fmt.Errorf("unknown predicate %q", spec.Predicate)
	}
}

func count(signals []domain.Engagement, kind domain.EngagementKind) int {
	n := 0
	for _, s := range signals {
		if s.Kind == kind {
			n++
		}
	}
	return n
}

// lookup resolves a field name to its value. Custom contact fields shadow the
// derived ones.
func lookup(field string, p domain.Prospect, signals []domain.Engagement) string {
	if v, ok := p.Contact.Fields[field]; ok {
		return v
	}
	switch field {
	case "email":
		return p.Contact.Email
	case "name":
		return p.Contact.Name
	case "company":
		return p.Contact.Company
	case "email_domain":
		if i := strings.LastIndex(p.Contact.Email, "@"); i >= 0 {
			return strings.ToLower(p.Contact.Email[i+1:])
		}
		return ""
	case "open_count":
		return strconv.Itoa(count(signals, domain.EngagementOpen))
	case "click_count":
		return strconv.Itoa(count(signals, domain.EngagementClick))
	case "reply_count":
		return strconv.Itoa(count(signals, domain.EngagementReply))
	}
	return ""
}

func compare(actual, op, want string) (bool, error) {
	a := strings.ToLower(strings.TrimSpace(actual))
	w := strings.ToLower(strings.TrimSpace(want))

	switch op {
	case "", OpEquals:
		return a == w, nil
	case OpNotEquals:
		return a != w, nil
	case OpContains:
		return strings.Contains(a, w), nil
	case OpNotContains:
		return !strings.Contains(a, w), nil
	case OpStartsWith:
		return strings.HasPrefix(a, w), nil
	case OpEndsWith:
		return strings.HasSuffix(a, w), nil
	case OpIsEmpty:
		return a == "", nil
	case OpIsNotEmpty:
		return a != "", nil
	case OpGreaterThan, OpLessThan, OpGreaterOrEqual, OpLessOrEqual:
		x, errA := strconv.ParseFloat(a, 64)
		y, errW := strconv.ParseFloat(w, 64)
		if errA != nil || errW != nil {
			// Non-numeric values never satisfy a numeric comparison.
			return false, nil
		}
		switch op {
		case OpGreaterThan:
			return x > y, nil
		case OpLessThan:
			return x < y, nil
		case OpGreaterOrEqual:
			return x >= y, nil
		default:
			return x <= y, nil
		}
	}
	return false, fmt.Errorf("unknown operator %q", op)
}
