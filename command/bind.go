package command

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/kballard/go-shellquote"
	"github.com/spf13/cast"
)

// Tokenize splits text with shell-style quoting and escaping. Unterminated
// quotes or a trailing escape yield ErrBadQuoting.
func Tokenize(text string) ([]string, error) {
	tokens, err := shellquote.Split(text)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadQuoting, err)
	}
	return tokens, nil
}

// bind assigns tokens to params and returns the tokens nothing consumed.
func bind(params []Param, tokens []string) (Args, []string, error) {
	required := 0
	for _, p := range params {
		if p.Kind == Positional && p.required() {
			required++
		}
	}
	if len(tokens) < required {
		missing := firstUnfilled(params, len(tokens))
		return nil, nil, &ArgumentError{Param: missing.Name, Err: ErrMissingArgument}
	}

	args := make(Args, len(params))
	rest := slices.Clone(tokens)

	for _, p := range params {
		switch p.Kind {
		case Positional:
			if len(rest) == 0 {
				if p.required() {
					return nil, nil, &ArgumentError{Param: p.Name, Err: ErrMissingArgument}
				}
				args[p.Name] = p.Default
				continue
			}
			v, err := coerce(p, rest[0])
			if err != nil {
				return nil, nil, err
			}
			args[p.Name] = v
			rest = rest[1:]

		case Variadic:
			values := make([]any, 0, len(rest))
			for _, raw := range rest {
				v, err := coerce(p, raw)
				if err != nil {
					return nil, nil, err
				}
				values = append(values, v)
			}
			if len(values) == 0 && p.Default != nil {
				args[p.Name] = p.Default
			} else {
				args[p.Name] = values
			}
			rest = nil

		case Keyword:
			raw, ok := "", false
			prefix := p.Name + "="
			if i := slices.IndexFunc(rest, func(t string) bool { return strings.HasPrefix(t, prefix) }); i >= 0 {
				raw, ok = strings.TrimPrefix(rest[i], prefix), true
				rest = slices.Delete(rest, i, i+1)
			} else if len(rest) > 0 {
				raw, ok = strings.Join(rest, " "), true
				rest = nil
			}
			if !ok {
				if p.required() {
					return nil, nil, &ArgumentError{Param: p.Name, Err: ErrMissingKeyword}
				}
				args[p.Name] = p.Default
				continue
			}
			v, err := coerce(p, raw)
			if err != nil {
				return nil, nil, err
			}
			args[p.Name] = v
		}
	}

	return args, rest, nil
}

// firstUnfilled returns the required positional parameter that would be
// left without a token when only n tokens are available.
func firstUnfilled(params []Param, n int) Param {
	seen := 0
	for _, p := range params {
		if p.Kind != Positional || !p.required() {
			continue
		}
		if seen == n {
			return p
		}
		seen++
	}
	return params[0]
}

var (
	truthy = []string{"yes", "y", "true", "t", "1", "enable", "on"}
	falsy  = []string{"no", "n", "false", "f", "0", "disable", "off"}
)

// ParseBool accepts the chat-friendly spellings of true and false,
// ignoring case.
func ParseBool(raw string) (bool, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	switch {
	case slices.Contains(truthy, s):
		return true, nil
	case slices.Contains(falsy, s):
		return false, nil
	}
	return false, errors.New("not a boolean")
}

// coerce converts raw to the parameter's declared type.
func coerce(p Param, raw string) (any, error) {
	var (
		v   any
		err error
	)
	switch {
	case p.Convert != nil:
		v, err = p.Convert(raw)
	case p.Type == String:
		v = raw
	case p.Type == Int:
		var n int64
		n, err = strconv.ParseInt(raw, 10, 0)
		v = int(n)
	case p.Type == Float:
		v, err = cast.ToFloat64E(raw)
	case p.Type == Bool:
		v, err = ParseBool(raw)
	case p.Type == Duration:
		v, err = cast.ToDurationE(raw)
	default:
		err = fmt.Errorf("unsupported type %v", p.Type)
	}
	if err != nil {
		return nil, &ArgumentError{Param: p.Name, Raw: raw, Err: err}
	}
	return v, nil
}
