package recovery

import (
	"context"
	"strings"

	taskerrors "github.com/vinayprograms/taskloop/errors"
	"github.com/vinayprograms/taskloop/taskstate"
)

// Category groups failures by what went wrong.
type Category string

const (
	CategoryNetwork    Category = "network"
	CategoryTimeout    Category = "timeout"
	CategoryPermission Category = "permission"
	CategoryNotFound   Category = "not_found"
	CategoryResource   Category = "resource"
	CategoryValidation Category = "validation"
	CategoryExecution  Category = "execution"
	CategoryUIElement  Category = "ui_element"
	CategoryUnknown    Category = "unknown"
)

// Valid returns true if the category is a known value.
func (c Category) Valid() bool {
	switch c {
	case CategoryNetwork, CategoryTimeout, CategoryPermission, CategoryNotFound, CategoryResource,
		CategoryValidation, CategoryExecution, CategoryUIElement, CategoryUnknown:
		return true
	default:
		return false
	}
}

// Severity ranks how disruptive a failure is.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Valid returns true if the severity is a known value.
func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	default:
		return false
	}
}

// codeClasses maps structured error codes to a classification.
var codeClasses = map[taskerrors.ErrorCode]struct {
	cat Category
	sev Severity
}{
	taskerrors.ErrCodeTimeout:            {CategoryTimeout, SeverityMedium},
	taskerrors.ErrCodeUnavailable:        {CategoryNetwork, SeverityHigh},
	taskerrors.ErrCodeNetworkErr:         {CategoryNetwork, SeverityMedium},
	taskerrors.ErrCodeNotFound:           {CategoryNotFound, SeverityMedium},
	taskerrors.ErrCodePermission:         {CategoryPermission, SeverityHigh},
	taskerrors.ErrCodeInvalidInput:       {CategoryValidation, SeverityLow},
	taskerrors.ErrCodeRateLimit:          {CategoryResource, SeverityMedium},
	taskerrors.ErrCodeExecutionFailed:    {CategoryExecution, SeverityMedium},
	taskerrors.ErrCodeVerificationFailed: {CategoryValidation, SeverityLow},
	taskerrors.ErrCodeGenerationFailed:   {CategoryExecution, SeverityHigh},
	taskerrors.ErrCodeInternal:           {CategoryUnknown, SeverityCritical},
	taskerrors.ErrCodePanic:              {CategoryUnknown, SeverityCritical},
}

// keywordRule is one row of the fallback categorizer. Rules are checked in
// order; the first rule with a matching keyword wins.
type keywordRule struct {
	cat      Category
	sev      Severity
	keywords []string
}

var keywordRules = []keywordRule{
	{CategoryTimeout, SeverityMedium, []string{"timeout", "timed out", "deadline exceeded"}},
	{CategoryPermission, SeverityHigh, []string{"permission denied", "access denied", "forbidden", "unauthorized", "not permitted"}},
	{CategoryUIElement, SeverityMedium, []string{"element", "button", "selector", "not clickable", "not visible", "window"}},
	{CategoryNotFound, SeverityMedium, []string{"not found", "no such file", "does not exist", "404"}},
	{CategoryNetwork, SeverityHigh, []string{"connection refused", "connection reset", "network", "unreachable", "no such host", "dns"}},
	{CategoryResource, SeverityHigh, []string{"out of memory", "no space", "disk full", "rate limit", "too many", "quota"}},
	{CategoryValidation, SeverityLow, []string{"invalid", "malformed", "syntax", "parse", "unexpected"}},
	{CategoryExecution, SeverityMedium, []string{"exit status", "exit code", "command failed", "failed", "error"}},
}

var criticalKeywords = []string{"panic", "fatal", "corrupt", "segmentation fault"}

// Classify maps a failure to a category and severity. Structured error codes
// are consulted first, then the optional Classifier capability, then the
// keyword categorizer. It never fails: unrecognised input is
// (unknown, medium).
func (p *Policy) Classify(ctx context.Context, err error, view taskstate.ContextView) (Category, Severity) {
	if err == nil {
		return CategoryUnknown, SeverityMedium
	}

	if class, ok := codeClasses[taskerrors.Code(err)]; ok {
		return class.cat, class.sev
	}

	if p.classifier != nil {
		if cat, sev, ok := p.classifyExternal(ctx, err, view); ok {
			return cat, sev
		}
	}

	return ClassifyKeywords(err.Error())
}

// classifyExternal asks the Classifier capability. A panic, an "I don't
// know" or an unknown label all fall through to the keyword rules.
func (p *Policy) classifyExternal(ctx context.Context, err error, view taskstate.ContextView) (cat Category, sev Severity, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Warn("classifier panicked", map[string]interface{}{"panic": r})
			ok = false
		}
	}()

	c, s, known := p.classifier.Classify(ctx, err, view)
	if !known {
		return "", "", false
	}
	cat, sev = Category(c), Severity(s)
	if !cat.Valid() || !sev.Valid() {
		return "", "", false
	}
	return cat, sev, true
}

// ClassifyKeywords is the rule-based categorizer used when nothing better
// is available.
func ClassifyKeywords(msg string) (Category, Severity) {
	lower := strings.ToLower(msg)

	cat, sev := CategoryUnknown, SeverityMedium
	for _, rule := range keywordRules {
		if containsAny(lower, rule.keywords) {
			cat, sev = rule.cat, rule.sev
			break
		}
	}
	if containsAny(lower, criticalKeywords) {
		sev = SeverityCritical
	}
	return cat, sev
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}
