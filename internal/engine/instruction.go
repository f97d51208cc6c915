package engine

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrUnsupportedInstruction is returned for instructions outside the grammar
var ErrUnsupportedInstruction = errors.New("unsupported instruction")

// ActionKind identifies a browser action
type ActionKind string

const (
	ActionNavigate      ActionKind = "navigate"
	ActionClick         ActionKind = "click"
	ActionFill          ActionKind = "fill"
	ActionPress         ActionKind = "press"
	ActionWait          ActionKind = "wait"
	ActionWaitFor       ActionKind = "wait_for"
	ActionExpectText    ActionKind = "expect_text"
	ActionExpectURL     ActionKind = "expect_url"
	ActionExpectVisible ActionKind = "expect_visible"
)

// Action is a parsed instruction
type Action struct {
	Kind     ActionKind
	Selector string
	Value    string
	URL      string
	Duration time.Duration
}

// ParseInstruction turns a step instruction into an Action.
//
//	navigate https://example.com
//	click #login
//	fill #email with "a@b.c"
//	type "secret" into #password
//	press Enter
//	wait 2s | wait for .spinner
//	expect text "Welcome" | expect url /dashboard | expect visible #menu
func ParseInstruction(instruction string) (Action, error) {
	text := strings.TrimSpace(instruction)
	if text == "" {
		return Action{}, fmt.Errorf("%w: empty", ErrUnsupportedInstruction)
	}

	verb, rest, _ := strings.Cut(text, " ")
	rest = strings.TrimSpace(rest)

	switch strings.ToLower(verb) {
	case "navigate", "goto", "open", "visit":
		if rest == "" {
			return Action{}, fmt.Errorf("%w: %s needs a url", ErrUnsupportedInstruction, verb)
		}
		return Action{Kind: ActionNavigate, URL: unquote(rest)}, nil

	case "click":
		if rest == "" {
			return Action{}, fmt.Errorf("%w: click needs a selector", ErrUnsupportedInstruction)
		}
		return Action{Kind: ActionClick, Selector: unquote(rest)}, nil

	case "fill":
		selector, value, ok := strings.Cut(rest, " with ")
		if !ok || strings.TrimSpace(selector) == "" {
			return Action{}, fmt.Errorf("%w: expected 'fill <selector> with <value>'", ErrUnsupportedInstruction)
		}
		return Action{Kind: ActionFill, Selector: unquote(selector), Value: unquote(value)}, nil

	case "type":
		value, selector, ok := strings.Cut(rest, " into ")
		if !ok || strings.TrimSpace(selector) == "" {
			return Action{}, fmt.Errorf("%w: expected 'type <value> into <selector>'", ErrUnsupportedInstruction)
		}
		return Action{Kind: ActionFill, Selector: unquote(selector), Value: unquote(value)}, nil

	case "press":
		if rest == "" {
			return Action{}, fmt.Errorf("%w: press needs a key", ErrUnsupportedInstruction)
		}
		return Action{Kind: ActionPress, Value: unquote(rest)}, nil

	case "wait":
		if target, ok := strings.CutPrefix(rest, "for "); ok {
			return Action{Kind: ActionWaitFor, Selector: unquote(target)}, nil
		}
		d, err := parseWait(rest)
		if err != nil {
			return Action{}, fmt.Errorf("%w: %v", ErrUnsupportedInstruction, err)
		}
		return Action{Kind: ActionWait, Duration: d}, nil

	case "expect", "assert", "verify":
		return parseExpectation(rest)
	}

	return Action{}, fmt.Errorf("%w: %q", ErrUnsupportedInstruction, text)
}

func parseExpectation(rest string) (Action, error) {
	sub, arg, _ := strings.Cut(rest, " ")
	arg = unquote(strings.TrimSpace(arg))
	if arg == "" {
		return Action{}, fmt.Errorf("%w: expectation needs an argument", ErrUnsupportedInstruction)
	}
	switch strings.ToLower(sub) {
	case "text":
		return Action{Kind: ActionExpectText, Value: arg}, nil
	case "url":
		return Action{Kind: ActionExpectURL, Value: arg}, nil
	case "visible":
		return Action{Kind: ActionExpectVisible, Selector: arg}, nil
	}
	return Action{}, fmt.Errorf("%w: unknown expectation %q", ErrUnsupportedInstruction, sub)
}

func parseWait(s string) (time.Duration, error) {
	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}
	ms, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid wait duration %q", s)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func unquote(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 {
		first, last := s[0], s[len(s)-1]
		if (first == '"' || first == '\'') && first == last {
			return s[1 : len(s)-1]
		}
	}
	return s
}

// ExpectationError reports a failed assertion on page state
type ExpectationError struct {
	Action Action
	Actual string
}

func (e *ExpectationError) Error() string {
	switch e.Action.Kind {
	case ActionExpectText:
		return fmt.Sprintf("expected page to contain text %q", e.Action.Value)
	case ActionExpectURL:
		return fmt.Sprintf("expected url to contain %q, got %q", e.Action.Value, e.Actual)
	case ActionExpectVisible:
		return fmt.Sprintf("expected %s to be visible", e.Action.Selector)
	}
	return "expectation failed"
}
