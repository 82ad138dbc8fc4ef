// audex/convert/args.go
package convert

import (
	"fmt"
	"strings"

	"github.com/google/shlex"
)

// SplitExtraArgs securely splits operator-supplied extra arguments into
// a slice without involving a shell.
func SplitExtraArgs(s string) ([]string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	args, err := shlex.Split(s)
	if err != nil {
		return nil, fmt.Errorf("invalid extra args syntax: %w", err)
	}
	if err := screenArgs(args); err != nil {
		return nil, err
	}
	return args, nil
}

// screenArgs rejects shell-like metacharacters. exec never runs a shell
// so these could not execute anyway, but they have no business in an
// encoder argument either.
func screenArgs(args []string) error {
	for _, arg := range args {
		if strings.ContainsAny(arg, "|&;`$()<>") {
			return fmt.Errorf("disallowed character found in argument: %s", arg)
		}
	}
	return nil
}
