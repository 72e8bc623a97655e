// Package command resolves prefixed chat text into handler invocations.
//
// Commands and groups are registered with a declarative parameter schema.
// Resolution tokenizes the text with shell-style quoting, walks the group
// tree and binds the remaining tokens to the declared parameters, coercing
// each value to its declared type before the handler runs.
package command

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Handler runs a resolved command. C is the caller-supplied invocation
// context, typically the message that triggered the command.
type Handler[C any] func(ctx context.Context, c C, args Args) error

// Kind is how a parameter consumes tokens.
type Kind int

const (
	// Positional consumes one token.
	Positional Kind = iota
	// Variadic consumes every remaining token.
	Variadic
	// Keyword takes a name=value token, or the remaining text joined.
	Keyword
)

func (k Kind) String() string {
	switch k {
	case Positional:
		return "positional"
	case Variadic:
		return "variadic"
	case Keyword:
		return "keyword"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Type is the declared semantic type of a parameter.
type Type int

const (
	String Type = iota
	Int
	Float
	Bool
	Duration
)

func (t Type) String() string {
	switch t {
	case String:
		return "string"
	case Int:
		return "int"
	case Float:
		return "float"
	case Bool:
		return "bool"
	case Duration:
		return "duration"
	}
	return fmt.Sprintf("Type(%d)", int(t))
}

// Param declares one handler parameter.
type Param struct {
	Name        string `validate:"required,cmdname"`
	Kind        Kind
	Type        Type
	Description string

	// Default is bound when no token supplies a value. Optional marks a
	// parameter as not required even when Default is nil.
	Default  any
	Optional bool

	// Convert, when set, replaces the Type coercion.
	Convert func(raw string) (any, error)
}

// Arg declares a positional parameter.
func Arg(name string, t Type) Param {
	return Param{Name: name, Kind: Positional, Type: t}
}

// Rest declares a variadic parameter.
func Rest(name string, t Type) Param {
	return Param{Name: name, Kind: Variadic, Type: t, Optional: true}
}

// KeywordOnly declares a keyword-only parameter.
func KeywordOnly(name string, t Type) Param {
	return Param{Name: name, Kind: Keyword, Type: t}
}

// WithDefault returns p with a default value.
func (p Param) WithDefault(v any) Param {
	p.Default = v
	p.Optional = true
	return p
}

// WithConverter returns p with a custom conversion.
func (p Param) WithConverter(fn func(raw string) (any, error)) Param {
	p.Convert = fn
	return p
}

// Describe returns p with a description.
func (p Param) Describe(s string) Param {
	p.Description = s
	return p
}

func (p Param) required() bool {
	return !p.Optional && p.Default == nil
}

// Spec declares a command.
type Spec[C any] struct {
	Name        string   `validate:"required,cmdname"`
	Description string
	Aliases     []string `validate:"dive,cmdname"`
	Params      []Param  `validate:"dive"`
	Handler     Handler[C] `validate:"required"`
}

// GroupSpec declares a group. Handler is only required when the group can
// be invoked without a subcommand.
type GroupSpec[C any] struct {
	Name                 string   `validate:"required,cmdname"`
	Description          string
	Aliases              []string `validate:"dive,cmdname"`
	Params               []Param  `validate:"dive"`
	InvokeWithoutCommand bool
	Handler              Handler[C] `validate:"required_if=InvokeWithoutCommand true"`
}

// Command is a registered command node.
type Command[C any] struct {
	name        string
	description string
	aliases     []string
	params      []Param
	handler     Handler[C]
	parent      *Group[C]
}

// Name returns the canonical name.
func (c *Command[C]) Name() string { return c.name }

// Description returns the command description.
func (c *Command[C]) Description() string { return c.description }

// Aliases returns the alternative names.
func (c *Command[C]) Aliases() []string { return append([]string(nil), c.aliases...) }

// Params returns the declared parameters.
func (c *Command[C]) Params() []Param { return append([]Param(nil), c.params...) }

// Parent returns the enclosing group, or nil for top-level commands.
func (c *Command[C]) Parent() *Group[C] { return c.parent }

// QualifiedName returns the space-separated path from the root.
func (c *Command[C]) QualifiedName() string {
	if c.parent == nil {
		return c.name
	}
	return c.parent.QualifiedName() + " " + c.name
}

// Usage renders the parameter list, e.g. "role add <user> [reason...]".
func (c *Command[C]) Usage() string {
	var b strings.Builder
	b.WriteString(c.QualifiedName())
	for _, p := range c.params {
		b.WriteByte(' ')
		name := p.Name
		switch p.Kind {
		case Variadic:
			name += "..."
		case Keyword:
			name += "="
		}
		if p.required() {
			b.WriteString("<" + name + ">")
		} else {
			b.WriteString("[" + name + "]")
		}
	}
	return b.String()
}

// Group is a command node holding subcommands.
type Group[C any] struct {
	Command[C]
	invokeWithoutCommand bool
	reg                  *Registry[C]
	children             *table[C]
}

// InvokeWithoutCommand reports whether the group runs its own handler when
// no subcommand matches.
func (g *Group[C]) InvokeWithoutCommand() bool { return g.invokeWithoutCommand }

// AddCommand registers a subcommand.
func (g *Group[C]) AddCommand(spec Spec[C]) (*Command[C], error) {
	return g.reg.addCommand(g, g.children, spec)
}

// AddGroup registers a nested group.
func (g *Group[C]) AddGroup(spec GroupSpec[C]) (*Group[C], error) {
	return g.reg.addGroup(g, g.children, spec)
}

// Commands lists the subcommands sorted by name.
func (g *Group[C]) Commands() []*Command[C] {
	g.reg.mu.RLock()
	defer g.reg.mu.RUnlock()
	return g.children.commands()
}

// Lookup returns the subcommand registered under name or alias.
func (g *Group[C]) Lookup(name string) (*Command[C], bool) {
	g.reg.mu.RLock()
	defer g.reg.mu.RUnlock()
	e, ok := g.children.lookup(name)
	if !ok {
		return nil, false
	}
	return e.command(), true
}

// Invocation is a resolved, fully bound command ready to run.
type Invocation[C any] struct {
	Command *Command[C]

	// InvokedWith is the first token as typed, which may be an alias.
	InvokedWith string

	// Path lists the canonical subcommand names descended through.
	Path []string

	Args Args

	// Rest holds tokens left over after binding.
	Rest []string

	handler Handler[C]
}

// Invoke runs the handler. Panics and returned errors are wrapped in a
// *HandlerError naming the command.
func (inv *Invocation[C]) Invoke(ctx context.Context, c C) (err error) {
	name := inv.Command.QualifiedName()
	defer func() {
		if r := recover(); r != nil {
			err = &HandlerError{Command: name, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	if herr := inv.handler(ctx, c, inv.Args); herr != nil {
		return &HandlerError{Command: name, Err: herr}
	}
	return nil
}

// Args holds bound parameter values keyed by parameter name.
type Args map[string]any

// Has reports whether name was bound to a value.
func (a Args) Has(name string) bool {
	v, ok := a[name]
	return ok && v != nil
}

// Value returns the raw bound value.
func (a Args) Value(name string) any {
	return a[name]
}

// String returns a string argument, or "".
func (a Args) String(name string) string {
	s, _ := a[name].(string)
	return s
}

// Int returns an int argument, or 0.
func (a Args) Int(name string) int {
	n, _ := a[name].(int)
	return n
}

// Float returns a float argument, or 0.
func (a Args) Float(name string) float64 {
	f, _ := a[name].(float64)
	return f
}

// Bool returns a bool argument, or false.
func (a Args) Bool(name string) bool {
	b, _ := a[name].(bool)
	return b
}

// Duration returns a duration argument, or 0.
func (a Args) Duration(name string) time.Duration {
	d, _ := a[name].(time.Duration)
	return d
}

// Slice returns a variadic argument.
func (a Args) Slice(name string) []any {
	s, _ := a[name].([]any)
	return s
}

// Strings returns a variadic string argument.
func (a Args) Strings(name string) []string {
	items := a.Slice(name)
	out := make([]string, 0, len(items))
	for _, v := range items {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
