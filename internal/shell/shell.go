// Package shell is the interactive query loop over a resolved
// specification: ad hoc filter evaluation and membership inspection
// without touching the remote APIs (except the explicit plan command).
package shell

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/chansync-io/chansync-ce/internal/filter"
	"github.com/chansync-io/chansync-ce/internal/model"
	"github.com/chansync-io/chansync-ce/internal/plan"
)

// Shell evaluates commands against a compiled specification.
type Shell struct {
	Spec *model.Specification
	// Plan computes a reconciliation plan on demand. Nil disables the
	// plan command (no credentials configured).
	Plan func(ctx context.Context) (*plan.Plan, error)
}

const prompt = "chansync> "

const helpText = `commands:
  users [FILTER]   list desired users, optionally matching FILTER
  groups           list groups with member counts
  channels         list channels with member counts
  members NAME     list members of group or channel NAME
  vars             show template variable bindings
  plan             compute the reconciliation plan against the workspace
  help             show this help
  quit             leave the shell`

// Run reads commands from in until EOF or quit.
func (s *Shell) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, prompt)
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		cmd, arg := splitCommand(line)
		switch cmd {
		case "quit", "exit":
			return nil
		case "help":
			fmt.Fprintln(out, helpText)
		case "users":
			s.users(out, arg)
		case "groups":
			s.groups(out)
		case "channels":
			s.channels(out)
		case "members":
			s.members(out, arg)
		case "vars":
			s.vars(out)
		case "plan":
			s.plan(ctx, out)
		default:
			fmt.Fprintf(out, "unknown command %q (try help)\n", cmd)
		}
	}
}

func splitCommand(line string) (cmd, arg string) {
	parts := strings.SplitN(line, " ", 2)
	cmd = parts[0]
	if len(parts) == 2 {
		arg = strings.TrimSpace(parts[1])
	}
	return cmd, arg
}

func (s *Shell) users(out io.Writer, expr string) {
	if expr == "" {
		for _, key := range s.Spec.UserKeys() {
			fmt.Fprintln(out, key)
		}
		fmt.Fprintf(out, "%d users\n", len(s.Spec.Users))
		return
	}
	matched, err := filter.Evaluate(expr, s.Spec.Users)
	if err != nil {
		fmt.Fprintf(out, "error: %v\n", err)
		return
	}
	for _, u := range matched {
		fmt.Fprintln(out, u.Key)
	}
	fmt.Fprintf(out, "%d of %d users match\n", len(matched), len(s.Spec.Users))
}

func (s *Shell) groups(out io.Writer) {
	for _, name := range s.Spec.GroupNames() {
		g := s.Spec.Groups[name]
		fmt.Fprintf(out, "%s (%d members)\n", g.Name, len(g.MemberKeys))
	}
}

func (s *Shell) channels(out io.Writer) {
	for _, name := range s.Spec.ChannelNames() {
		ch := s.Spec.Channels[name]
		visibility := "public"
		if ch.Private {
			visibility = "private"
		}
		fmt.Fprintf(out, "#%s (%s, %d members)\n", ch.Name, visibility, len(ch.MemberKeys))
	}
}

func (s *Shell) members(out io.Writer, name string) {
	if name == "" {
		fmt.Fprintln(out, "usage: members NAME")
		return
	}
	var keys []string
	if g, ok := s.Spec.Groups[name]; ok {
		keys = g.MemberKeys
	} else if ch, ok := s.Spec.Channels[name]; ok {
		keys = ch.MemberKeys
	} else {
		fmt.Fprintf(out, "no group or channel named %q\n", name)
		return
	}
	for _, key := range keys {
		fmt.Fprintln(out, key)
	}
	fmt.Fprintf(out, "%d members\n", len(keys))
}

func (s *Shell) vars(out io.Writer) {
	for _, k := range model.SortedKeys(s.Spec.Vars) {
		fmt.Fprintf(out, "%s = %q\n", k, s.Spec.Vars[k])
	}
}

func (s *Shell) plan(ctx context.Context, out io.Writer) {
	if s.Plan == nil {
		fmt.Fprintln(out, "plan unavailable: no workspace credentials configured")
		return
	}
	p, err := s.Plan(ctx)
	if err != nil {
		fmt.Fprintf(out, "error: %v\n", err)
		return
	}
	fmt.Fprintln(out, p.Summary())
}
