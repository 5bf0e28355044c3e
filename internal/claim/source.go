package claim

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
)

// CommandSource invokes an external command and scans its output for the
// next claimable task id. The command prints either a line containing an
// id of the form <namespace>-<word>, or a phrase including "No ready
// work". Any other output means no work is ready.
type CommandSource struct {
	name    string
	args    []string
	pattern *regexp.Regexp
}

// NewCommandSource builds a source for the given namespace and command
// line.
func NewCommandSource(namespace, name string, args ...string) (*CommandSource, error) {
	if namespace == "" || name == "" {
		return nil, fmt.Errorf("command source: namespace and command are required")
	}
	pattern, err := regexp.Compile(`\b` + regexp.QuoteMeta(namespace) + `-\w+\b`)
	if err != nil {
		return nil, fmt.Errorf("command source: %w", err)
	}
	return &CommandSource{name: name, args: args, pattern: pattern}, nil
}

// Next runs the command once and extracts a task id. Returns "" when the
// output reports no ready work or contains no recognizable id.
func (s *CommandSource) Next(ctx context.Context) (string, error) {
	out, err := exec.CommandContext(ctx, s.name, s.args...).CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("run %s: %w", s.name, err)
	}
	text := string(out)
	if strings.Contains(text, "No ready work") {
		return "", nil
	}
	return s.pattern.FindString(text), nil
}

// StaticSource serves task ids from a fixed list, one per call. Used in
// tests and for manual replays.
type StaticSource struct {
	ids []string
}

// NewStaticSource creates a source over ids.
func NewStaticSource(ids ...string) *StaticSource {
	return &StaticSource{ids: ids}
}

// Next pops the next id, or returns "" when exhausted.
func (s *StaticSource) Next(context.Context) (string, error) {
	if len(s.ids) == 0 {
		return "", nil
	}
	id := s.ids[0]
	s.ids = s.ids[1:]
	return id, nil
}
