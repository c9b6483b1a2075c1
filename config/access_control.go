package config

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Access level constants
const (
	AccessReject = "REJECT"
	AccessAllow  = "ALLOW"
)

// ErrAccessDenied is returned for a handler no rule allows.
var ErrAccessDenied = errors.New("access denied")

// TriggerRule decides whether a handler of an executor may be triggered
type TriggerRule struct {
	Executor string `yaml:"executor"` // Pattern: literal string or /regexp/
	Handler  string `yaml:"handler"`  // Pattern: literal string or /regexp/
	Access   string `yaml:"access"`   // REJECT or ALLOW
}

// PatternMatcher matches strings either exactly or via regexp
type PatternMatcher interface {
	Match(s string) bool
}

type literalMatcher string

func (m literalMatcher) Match(s string) bool {
	return string(m) == s
}

type regexpMatcher struct {
	re *regexp.Regexp
}

func (m *regexpMatcher) Match(s string) bool {
	return m.re.MatchString(s)
}

// parsePattern returns a matcher for literal strings or /regexp/ patterns.
// Regexp patterns are anchored to match the full string.
func parsePattern(pattern string) (PatternMatcher, error) {
	if strings.HasPrefix(pattern, "/") && strings.HasSuffix(pattern, "/") && len(pattern) > 1 {
		re, err := regexp.Compile("^(?:" + pattern[1:len(pattern)-1] + ")$")
		if err != nil {
			return nil, err
		}
		return &regexpMatcher{re: re}, nil
	}
	return literalMatcher(pattern), nil
}

type compiledRule struct {
	executor PatternMatcher
	handler  PatternMatcher
	access   string
}

// AccessValidator checks trigger requests against the configured rules.
type AccessValidator struct {
	rules []*compiledRule
}

// NewAccessValidator compiles rules. Returns an error if any rule has an
// invalid pattern or access level.
func NewAccessValidator(rules []TriggerRule) (*AccessValidator, error) {
	v := &AccessValidator{rules: make([]*compiledRule, 0, len(rules))}
	for i, rule := range rules {
		compiled := &compiledRule{access: strings.ToUpper(rule.Access)}
		var err error
		if compiled.executor, err = parsePattern(rule.Executor); err != nil {
			return nil, fmt.Errorf("invalid executor pattern in rule %d: %w", i, err)
		}
		if compiled.handler, err = parsePattern(rule.Handler); err != nil {
			return nil, fmt.Errorf("invalid handler pattern in rule %d: %w", i, err)
		}
		switch compiled.access {
		case AccessReject, AccessAllow:
		default:
			return nil, fmt.Errorf("invalid access level in rule %d: %q", i, rule.Access)
		}
		v.rules = append(v.rules, compiled)
	}
	return v, nil
}

// Check returns nil when the first matching rule allows the handler.
// Handlers matched by no rule are rejected.
func (v *AccessValidator) Check(executor, handler string) error {
	for _, rule := range v.rules {
		if rule.executor.Match(executor) && rule.handler.Match(handler) {
			if rule.access == AccessAllow {
				return nil
			}
			break
		}
	}
	return fmt.Errorf("%w: executor %q handler %q", ErrAccessDenied, executor, handler)
}
