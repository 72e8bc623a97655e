package command

import (
	"fmt"
	"slices"
	"strings"
	"sync"
	"unicode"

	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("cmdname", func(fl validator.FieldLevel) bool {
		s := fl.Field().String()
		return s != "" && !strings.ContainsFunc(s, unicode.IsSpace) && !strings.ContainsRune(s, '=')
	})
	return v
}

// Registry is a tree of commands and groups owned by one runtime. It is
// safe for concurrent registration and resolution.
type Registry[C any] struct {
	mu   sync.RWMutex
	root *table[C]
}

// NewRegistry returns an empty registry.
func NewRegistry[C any]() *Registry[C] {
	return &Registry[C]{root: newTable[C]()}
}

// Register adds a top-level command.
func (r *Registry[C]) Register(spec Spec[C]) (*Command[C], error) {
	return r.addCommand(nil, r.root, spec)
}

// RegisterGroup adds a top-level group.
func (r *Registry[C]) RegisterGroup(spec GroupSpec[C]) (*Group[C], error) {
	return r.addGroup(nil, r.root, spec)
}

// Commands lists top-level commands and groups sorted by name.
func (r *Registry[C]) Commands() []*Command[C] {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.root.commands()
}

// Lookup returns the top-level node registered under name or alias.
func (r *Registry[C]) Lookup(name string) (*Command[C], bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.root.lookup(name)
	if !ok {
		return nil, false
	}
	return e.command(), true
}

func (r *Registry[C]) addCommand(parent *Group[C], t *table[C], spec Spec[C]) (*Command[C], error) {
	if err := validateSpec(spec, spec.Params); err != nil {
		return nil, err
	}
	cmd := &Command[C]{
		name:        spec.Name,
		description: spec.Description,
		aliases:     slices.Clone(spec.Aliases),
		params:      slices.Clone(spec.Params),
		handler:     spec.Handler,
		parent:      parent,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := t.add(entry[C]{cmd: cmd, canonical: cmd.name}); err != nil {
		return nil, err
	}
	return cmd, nil
}

func (r *Registry[C]) addGroup(parent *Group[C], t *table[C], spec GroupSpec[C]) (*Group[C], error) {
	if err := validateSpec(spec, spec.Params); err != nil {
		return nil, err
	}
	g := &Group[C]{
		Command: Command[C]{
			name:        spec.Name,
			description: spec.Description,
			aliases:     slices.Clone(spec.Aliases),
			params:      slices.Clone(spec.Params),
			handler:     spec.Handler,
			parent:      parent,
		},
		invokeWithoutCommand: spec.InvokeWithoutCommand,
		reg:                  r,
		children:             newTable[C](),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := t.add(entry[C]{cmd: &g.Command, group: g, canonical: g.name}); err != nil {
		return nil, err
	}
	return g, nil
}

// Resolve tokenizes text (already stripped of the prefix) and resolves it to
// a bound invocation. Empty text resolves to (nil, nil).
func (r *Registry[C]) Resolve(text string) (*Invocation[C], error) {
	tokens, err := Tokenize(text)
	if err != nil {
		return nil, err
	}
	if len(tokens) == 0 {
		return nil, nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.root.lookup(tokens[0])
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCommand, tokens[0])
	}

	inv := &Invocation[C]{InvokedWith: tokens[0]}
	rest := tokens[1:]
	for e.group != nil && len(rest) > 0 {
		child, ok := e.group.children.lookup(rest[0])
		if !ok {
			break
		}
		inv.Path = append(inv.Path, child.canonical)
		e = child
		rest = rest[1:]
	}

	if e.group != nil && !e.group.invokeWithoutCommand {
		name := e.cmd.QualifiedName()
		if len(rest) > 0 {
			return nil, fmt.Errorf("%w: %s %s", ErrUnresolvedSubcommand, name, rest[0])
		}
		return nil, fmt.Errorf("%w: %s", ErrUnresolvedSubcommand, name)
	}

	args, leftover, err := bind(e.cmd.params, rest)
	if err != nil {
		return nil, err
	}
	inv.Command = e.cmd
	inv.Args = args
	inv.Rest = leftover
	inv.handler = e.cmd.handler
	return inv, nil
}

// validateSpec checks struct tags and the parameter ordering rules:
// required positionals, optional positionals, at most one variadic, then
// keywords, with unique names.
func validateSpec(spec any, params []Param) error {
	if err := validate.Struct(spec); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSpec, err)
	}

	seen := make(map[string]bool, len(params))
	stage := 0 // 0 required positional, 1 optional positional, 2 variadic, 3 keyword
	for _, p := range params {
		if seen[p.Name] {
			return fmt.Errorf("%w: parameter %s declared twice", ErrInvalidSpec, p.Name)
		}
		seen[p.Name] = true

		var s int
		switch p.Kind {
		case Positional:
			s = lo.Ternary(p.required(), 0, 1)
		case Variadic:
			if stage >= 2 {
				return fmt.Errorf("%w: variadic %s must be the only variadic and precede keywords", ErrInvalidSpec, p.Name)
			}
			s = 2
		case Keyword:
			s = 3
		default:
			return fmt.Errorf("%w: parameter %s has unknown kind %v", ErrInvalidSpec, p.Name, p.Kind)
		}
		if s < stage {
			return fmt.Errorf("%w: parameter %s (%v) out of order", ErrInvalidSpec, p.Name, p.Kind)
		}
		stage = s
	}
	return nil
}

// entry maps one name or alias to a node. canonical is the name the key
// resolves to; it differs from the key for aliases.
type entry[C any] struct {
	cmd       *Command[C]
	group     *Group[C]
	canonical string
}

func (e entry[C]) command() *Command[C] {
	return e.cmd
}

type table[C any] struct {
	entries map[string]entry[C]
}

func newTable[C any]() *table[C] {
	return &table[C]{entries: make(map[string]entry[C])}
}

// add registers e under its canonical name and every alias. Nothing is
// added when any of the names is taken.
func (t *table[C]) add(e entry[C]) error {
	names := append([]string{e.canonical}, e.cmd.aliases...)
	if dup, ok := lo.Find(names, func(n string) bool { _, taken := t.entries[n]; return taken }); ok {
		return fmt.Errorf("%w: %s", ErrDuplicateName, dup)
	}
	if dups := lo.FindDuplicates(names); len(dups) > 0 {
		return fmt.Errorf("%w: %s", ErrDuplicateName, dups[0])
	}
	for _, n := range names {
		t.entries[n] = e
	}
	return nil
}

func (t *table[C]) lookup(name string) (entry[C], bool) {
	e, ok := t.entries[name]
	return e, ok
}

// commands returns each node once, sorted by canonical name.
func (t *table[C]) commands() []*Command[C] {
	canon := lo.PickBy(t.entries, func(name string, e entry[C]) bool { return name == e.canonical })
	names := lo.Keys(canon)
	slices.Sort(names)
	return lo.Map(names, func(n string, _ int) *Command[C] { return canon[n].cmd })
}
