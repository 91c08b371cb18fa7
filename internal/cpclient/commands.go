package cpclient

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"
)

// Command is one line of a runtime command file.
type Command struct {
	Line   int
	Text   string
	Op     string
	Entry  Entry
	Handle uint64

	// Register commands. Index is -1 for a whole-array read.
	Register string
	Index    int
	Value    uint64
}

// CommandError locates a failing command file line.
type CommandError struct {
	Line int
	Text string
	Err  error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("line %d %q: %v", e.Line, e.Text, e.Err)
}

func (e *CommandError) Unwrap() error { return e.Err }

// ParseCommands reads simple_switch_CLI style commands. Supported:
//
//	table_add <table> <action> <match>... => <param>... [<priority>]
//	table_modify <table> <action> <handle> [=>] <param>...
//	table_delete <table> <handle>
//	table_set_default <table> <action> [<param>...]
//	table_clear <table>
//	register_read <register> [<index>]
//	register_write <register> <index> <value>
//	register_reset <register>
//
// Register values accept 0x and 0b prefixes.
// Blank lines and lines starting with # or // are skipped.
func ParseCommands(r io.Reader) ([]Command, error) {
	var out []Command
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") || strings.HasPrefix(text, "//") {
			continue
		}
		cmd, err := parseCommand(text)
		if err != nil {
			return nil, &CommandError{Line: line, Text: text, Err: err}
		}
		cmd.Line = line
		cmd.Text = text
		out = append(out, cmd)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func parseCommand(text string) (Command, error) {
	f := strings.Fields(text)
	switch f[0] {
	case "table_add":
		if len(f) < 3 {
			return Command{}, fmt.Errorf("table_add needs a table and an action")
		}
		e := Entry{Table: f[1], Action: f[2]}
		rest := f[3:]
		sep := slices.Index(rest, "=>")
		if sep < 0 {
			e.Match = rest
		} else {
			e.Match = rest[:sep]
			e.Params = rest[sep+1:]
		}
		if len(e.Match) == 0 {
			return Command{}, fmt.Errorf("table_add needs match fields")
		}
		// Ternary and range entries end with a priority.
		if sep >= 0 && isTernary(e.Match) && len(e.Params) > 0 {
			if prio, err := strconv.Atoi(e.Params[len(e.Params)-1]); err == nil {
				e.Priority = prio
				e.Params = e.Params[:len(e.Params)-1]
			}
		}
		return Command{Op: f[0], Entry: e}, nil
	case "table_modify":
		if len(f) < 4 {
			return Command{}, fmt.Errorf("table_modify needs a table, an action and a handle")
		}
		h, err := strconv.ParseUint(f[3], 10, 64)
		if err != nil {
			return Command{}, fmt.Errorf("bad handle %q", f[3])
		}
		params := f[4:]
		if len(params) > 0 && params[0] == "=>" {
			params = params[1:]
		}
		return Command{Op: f[0], Entry: Entry{Table: f[1], Action: f[2], Params: params}, Handle: h}, nil
	case "table_delete":
		if len(f) != 3 {
			return Command{}, fmt.Errorf("table_delete needs a table and a handle")
		}
		h, err := strconv.ParseUint(f[2], 10, 64)
		if err != nil {
			return Command{}, fmt.Errorf("bad handle %q", f[2])
		}
		return Command{Op: f[0], Entry: Entry{Table: f[1]}, Handle: h}, nil
	case "table_set_default":
		if len(f) < 3 {
			return Command{}, fmt.Errorf("table_set_default needs a table and an action")
		}
		params := f[3:]
		if len(params) > 0 && params[0] == "=>" {
			params = params[1:]
		}
		return Command{Op: f[0], Entry: Entry{Table: f[1], Action: f[2], Params: params}}, nil
	case "table_clear":
		if len(f) != 2 {
			return Command{}, fmt.Errorf("table_clear needs a table")
		}
		return Command{Op: f[0], Entry: Entry{Table: f[1]}}, nil
	case "register_read":
		switch len(f) {
		case 2:
			return Command{Op: f[0], Register: f[1], Index: -1}, nil
		case 3:
			idx, err := parseIndex(f[2])
			if err != nil {
				return Command{}, err
			}
			return Command{Op: f[0], Register: f[1], Index: idx}, nil
		default:
			return Command{}, fmt.Errorf("register_read needs a register and an optional index")
		}
	case "register_write":
		if len(f) != 4 {
			return Command{}, fmt.Errorf("register_write needs a register, an index and a value")
		}
		idx, err := parseIndex(f[2])
		if err != nil {
			return Command{}, err
		}
		v, err := strconv.ParseUint(f[3], 0, 64)
		if err != nil {
			return Command{}, fmt.Errorf("bad register value %q", f[3])
		}
		return Command{Op: f[0], Register: f[1], Index: idx, Value: v}, nil
	case "register_reset":
		if len(f) != 2 {
			return Command{}, fmt.Errorf("register_reset needs a register")
		}
		return Command{Op: f[0], Register: f[1]}, nil
	default:
		return Command{}, fmt.Errorf("unsupported command %q", f[0])
	}
}

func parseIndex(s string) (int, error) {
	idx, err := strconv.Atoi(s)
	if err != nil || idx < 0 {
		return 0, fmt.Errorf("bad register index %q", s)
	}
	return idx, nil
}

func isTernary(match []string) bool {
	for _, m := range match {
		if strings.Contains(m, "&&&") || strings.Contains(m, "->") {
			return true
		}
	}
	return false
}

// Apply runs commands in order and stops at the first failure.
func (s *Session) Apply(ctx context.Context, cmds []Command) error {
	for _, c := range cmds {
		var err error
		switch c.Op {
		case "table_add":
			_, err = s.InstallEntry(ctx, c.Entry)
		case "table_modify":
			err = s.ModifyEntry(ctx, EntryHandle{Table: c.Entry.Table, ID: c.Handle}, c.Entry.Action, c.Entry.Params)
		case "table_delete":
			err = s.DeleteEntry(ctx, EntryHandle{Table: c.Entry.Table, ID: c.Handle})
		case "table_set_default":
			err = s.SetDefaultAction(ctx, c.Entry.Table, c.Entry.Action, c.Entry.Params)
		case "table_clear":
			err = s.ClearTable(ctx, c.Entry.Table)
		case "register_read":
			if c.Index < 0 {
				_, err = s.ReadRegisterArray(ctx, c.Register)
			} else {
				_, err = s.ReadRegister(ctx, c.Register, c.Index)
			}
		case "register_write":
			err = s.WriteRegister(ctx, c.Register, c.Index, c.Value)
		case "register_reset":
			err = s.ResetRegister(ctx, c.Register)
		default:
			err = fmt.Errorf("unsupported command %q", c.Op)
		}
		if err != nil {
			return &CommandError{Line: c.Line, Text: c.Text, Err: err}
		}
	}
	return nil
}
