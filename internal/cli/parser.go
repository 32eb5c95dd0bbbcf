// Package cli implements the argument parser shared by every tool:
// positional parameters, typed --name=value options, boolean flags (plain
// and reversed), and one level of sub-commands. Parse reports its outcome
// as a status value rather than panicking or exiting, and a successful
// parse can re-serialize every argument into one reproducible string for
// logging.
package cli

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Status is the outcome of a Parse call.
type Status int

const (
	// StatusUndefined is the state before Parse runs.
	StatusUndefined Status = iota
	StatusSuccess
	StatusHelpRequested
	StatusParsingFailed
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "SUCCESS"
	case StatusHelpRequested:
		return "HELP_REQUESTED"
	case StatusParsingFailed:
		return "PARSING_FAILED"
	default:
		return "UNDEFINED"
	}
}

// binding converts one raw string into its typed destination.
type binding struct {
	name        string
	description string
	set         func(raw string) error
	serialize   func() string
	wasSet      bool
}

func bindTarget(target interface{}) (func(string) error, func() string) {
	switch t := target.(type) {
	case *string:
		return func(raw string) error { *t = raw; return nil },
			func() string { return *t }
	case *int:
		return func(raw string) error {
				v, err := strconv.Atoi(raw)
				if err != nil {
					return fmt.Errorf("not an integer: %q", raw)
				}
				*t = v
				return nil
			},
			func() string { return strconv.Itoa(*t) }
	case *int64:
		return func(raw string) error {
				v, err := strconv.ParseInt(raw, 10, 64)
				if err != nil {
					return fmt.Errorf("not an integer: %q", raw)
				}
				*t = v
				return nil
			},
			func() string { return strconv.FormatInt(*t, 10) }
	case *bool:
		return func(raw string) error {
				v, err := strconv.ParseBool(raw)
				if err != nil {
					return fmt.Errorf("not a boolean: %q", raw)
				}
				*t = v
				return nil
			},
			func() string { return strconv.FormatBool(*t) }
	case *time.Duration:
		return func(raw string) error {
				v, err := time.ParseDuration(raw)
				if err != nil {
					return fmt.Errorf("not a duration: %q", raw)
				}
				*t = v
				return nil
			},
			func() string { return t.String() }
	default:
		return nil, nil
	}
}

// flagBinding is a boolean flag; reversed flags store false when present.
type flagBinding struct {
	name        string
	description string
	target      *bool
	value       bool // stored when the flag appears
	wasSet      bool
}

// Parser accumulates parameter registrations and parses one argument list.
type Parser struct {
	name        string
	description string

	required []*binding
	optional []*binding
	options  map[string]*binding
	flags    map[string]*flagBinding

	commands     map[string]*Parser
	commandOrder []string
	chosen       string

	status Status
	err    error
}

// NewParser creates a parser for the tool called name.
func NewParser(name, description string) *Parser {
	return &Parser{
		name:        name,
		description: description,
		options:     make(map[string]*binding),
		flags:       make(map[string]*flagBinding),
		commands:    make(map[string]*Parser),
		status:      StatusUndefined,
	}
}

// Required registers a mandatory positional parameter. Registration order is
// binding order.
func (p *Parser) Required(name, description string, target interface{}) *Parser {
	set, ser := bindTarget(target)
	if set == nil {
		panic(fmt.Sprintf("cli: unsupported target type for parameter %q", name))
	}
	p.required = append(p.required, &binding{name: name, description: description, set: set, serialize: ser})
	return p
}

// Optional registers an optional positional parameter, filled after every
// mandatory one.
func (p *Parser) Optional(name, description string, target interface{}) *Parser {
	set, ser := bindTarget(target)
	if set == nil {
		panic(fmt.Sprintf("cli: unsupported target type for parameter %q", name))
	}
	p.optional = append(p.optional, &binding{name: name, description: description, set: set, serialize: ser})
	return p
}

// Option registers a --name=value option.
func (p *Parser) Option(name, description string, target interface{}) *Parser {
	p.reserveName(name)
	set, ser := bindTarget(target)
	if set == nil {
		panic(fmt.Sprintf("cli: unsupported target type for option %q", name))
	}
	p.options[name] = &binding{name: name, description: description, set: set, serialize: ser}
	return p
}

// Flag registers a --name flag that stores true.
func (p *Parser) Flag(name, description string, target *bool) *Parser {
	p.reserveName(name)
	p.flags[name] = &flagBinding{name: name, description: description, target: target, value: true}
	return p
}

// ReversedFlag registers a --name flag that stores false.
func (p *Parser) ReversedFlag(name, description string, target *bool) *Parser {
	p.reserveName(name)
	p.flags[name] = &flagBinding{name: name, description: description, target: target, value: false}
	return p
}

// Command registers a sub-command and returns its parser; the remaining
// arguments after the command name are parsed against it.
func (p *Parser) Command(name, description string) *Parser {
	sub := NewParser(p.name+" "+name, description)
	p.commands[name] = sub
	p.commandOrder = append(p.commandOrder, name)
	return sub
}

func (p *Parser) reserveName(name string) {
	if name == "" {
		panic("cli: empty option name is reserved")
	}
	if name == "help" {
		panic("cli: --help is reserved")
	}
}

// Status returns the outcome of the last Parse.
func (p *Parser) Status() Status {
	return p.status
}

// Err returns the parse error when Status is PARSING_FAILED.
func (p *Parser) Err() error {
	return p.err
}

// CommandName returns the selected sub-command after a successful parse.
func (p *Parser) CommandName() string {
	return p.chosen
}

// Parse consumes args (without the program name) and reports the outcome.
func (p *Parser) Parse(args []string) Status {
	p.status = p.parse(args)
	return p.status
}

func (p *Parser) parse(args []string) Status {
	var positionals []string

	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--help":
			return StatusHelpRequested

		case arg == "--":
			p.err = fmt.Errorf("standalone \"--\" is reserved")
			return StatusParsingFailed

		case strings.HasPrefix(arg, "--"):
			body := arg[2:]
			if eq := strings.IndexByte(body, '='); eq >= 0 {
				name, value := body[:eq], body[eq+1:]
				opt, ok := p.options[name]
				if !ok {
					p.err = fmt.Errorf("unrecognized option --%s", name)
					return StatusParsingFailed
				}
				if err := opt.set(value); err != nil {
					p.err = fmt.Errorf("option --%s: %v", name, err)
					return StatusParsingFailed
				}
				opt.wasSet = true
				continue
			}
			fl, ok := p.flags[body]
			if !ok {
				p.err = fmt.Errorf("unrecognized flag --%s", body)
				return StatusParsingFailed
			}
			*fl.target = fl.value
			fl.wasSet = true

		default:
			if len(p.commands) > 0 && len(positionals) == len(p.required)+len(p.optional) {
				// The first free positional selects the sub-command.
				sub, ok := p.commands[arg]
				if !ok {
					p.err = fmt.Errorf("unknown command %q", arg)
					return StatusParsingFailed
				}
				p.chosen = arg
				status := sub.Parse(args[i+1:])
				if status == StatusParsingFailed {
					p.err = sub.err
				}
				if status != StatusSuccess {
					return status
				}
				return p.bindPositionals(positionals)
			}
			positionals = append(positionals, arg)
		}
	}

	if len(p.commands) > 0 && p.chosen == "" {
		p.err = fmt.Errorf("missing command, expected one of: %s", strings.Join(p.commandOrder, ", "))
		return StatusParsingFailed
	}
	return p.bindPositionals(positionals)
}

func (p *Parser) bindPositionals(positionals []string) Status {
	params := append(append([]*binding(nil), p.required...), p.optional...)
	if len(positionals) > len(params) {
		p.err = fmt.Errorf("unexpected argument %q", positionals[len(params)])
		return StatusParsingFailed
	}
	if len(positionals) < len(p.required) {
		p.err = fmt.Errorf("missing required parameter <%s>", p.required[len(positionals)].name)
		return StatusParsingFailed
	}
	for i, raw := range positionals {
		if err := params[i].set(raw); err != nil {
			p.err = fmt.Errorf("parameter <%s>: %v", params[i].name, err)
			return StatusParsingFailed
		}
		params[i].wasSet = true
	}
	return StatusSuccess
}

// Serialize renders every parsed argument back into one reproducible
// string: positionals in registration order, then options and flags sorted
// by name, then the chosen sub-command followed by its own serialization.
// Only meaningful after SUCCESS.
func (p *Parser) Serialize() string {
	parts := []string{}
	for _, b := range append(append([]*binding(nil), p.required...), p.optional...) {
		if b.wasSet {
			parts = append(parts, b.serialize())
		}
	}

	names := make([]string, 0, len(p.options))
	for name, opt := range p.options {
		if opt.wasSet {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("--%s=%s", name, p.options[name].serialize()))
	}

	names = names[:0]
	for name, fl := range p.flags {
		if fl.wasSet {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		parts = append(parts, "--"+name)
	}

	if p.chosen != "" {
		sub := p.commands[p.chosen].Serialize()
		cmd := p.chosen
		if sub != "" {
			cmd += " " + sub
		}
		parts = append(parts, cmd)
	}
	return strings.Join(parts, " ")
}

// Usage renders the auto-generated help text.
func (p *Parser) Usage() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Usage: %s", p.name)
	for _, b := range p.required {
		fmt.Fprintf(&sb, " <%s>", b.name)
	}
	for _, b := range p.optional {
		fmt.Fprintf(&sb, " [%s]", b.name)
	}
	if len(p.commands) > 0 {
		sb.WriteString(" <command> ...")
	}
	sb.WriteString(" [options]\n")
	if p.description != "" {
		fmt.Fprintf(&sb, "\n%s\n", p.description)
	}

	writeParams := func(header string, params []*binding) {
		if len(params) == 0 {
			return
		}
		fmt.Fprintf(&sb, "\n%s:\n", header)
		for _, b := range params {
			fmt.Fprintf(&sb, "  %-24s %s\n", b.name, b.description)
		}
	}
	writeParams("Parameters", p.required)
	writeParams("Optional parameters", p.optional)

	if len(p.options) > 0 {
		sb.WriteString("\nOptions:\n")
		names := make([]string, 0, len(p.options))
		for name := range p.options {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(&sb, "  --%-22s %s\n", name+"=<value>", p.options[name].description)
		}
	}
	if len(p.flags) > 0 {
		sb.WriteString("\nFlags:\n")
		names := make([]string, 0, len(p.flags))
		for name := range p.flags {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(&sb, "  --%-22s %s\n", name, p.flags[name].description)
		}
	}
	if len(p.commands) > 0 {
		sb.WriteString("\nCommands:\n")
		for _, name := range p.commandOrder {
			fmt.Fprintf(&sb, "  %-24s %s\n", name, p.commands[name].description)
		}
	}
	return sb.String()
}

// Sub returns the parser of a registered command, for reading its bound
// values after Parse.
func (p *Parser) Sub(name string) *Parser {
	return p.commands[name]
}
