// File: internal/pipeline/cmdvet.go
package pipeline

import (
	"context"
	"fmt"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/bash"
	"go.uber.org/zap"
)

// Interpreters a gene validation command may start with. Anything else is
// blocked before execution.
var allowedInterpreters = map[string]struct{}{
	"go":      {},
	"node":    {},
	"npm":     {},
	"npx":     {},
	"pnpm":    {},
	"pytest":  {},
	"python3": {},
	"yarn":    {},
}

// Shell constructs that smuggle extra execution or I/O into a command line.
// Keyed by tree-sitter bash node kind.
var blockedConstructs = map[string]string{
	"pipeline":             "pipe",
	"list":                 "command list",
	"subshell":             "subshell",
	"redirected_statement": "redirection",
	"file_redirect":        "redirection",
	"heredoc_redirect":     "heredoc",
	"heredoc_body":         "heredoc",
	"command_substitution": "command substitution",
	"process_substitution": "process substitution",
	"expansion":            "variable expansion",
	"simple_expansion":     "variable expansion",
	"arithmetic_expansion": "arithmetic expansion",
	"variable_assignment":  "environment assignment",
}

// VetResult is the verdict on one declared validation command. A blocked
// command carries the reason and no argv.
type VetResult struct {
	Argv        []string
	BlockReason string
}

// Blocked reports whether the command must not execute.
func (r VetResult) Blocked() bool { return r.BlockReason != "" }

// Vetter decides whether a gene's declared validation command is safe to
// execute. The command is parsed as bash; anything beyond a single plain
// command with an allow-listed interpreter is refused. Vetted commands run
// argv-style without a shell, so nothing that survives the parse can reach
// an interpreter anyway.
type Vetter struct {
	logger *zap.Logger
}

// NewVetter builds a vetter.
func NewVetter(logger *zap.Logger) *Vetter {
	return &Vetter{logger: logger.Named("cmdvet")}
}

// Vet parses command and either extracts its argv or names the reason it is
// blocked.
func (v *Vetter) Vet(ctx context.Context, command string) VetResult {
	trimmed := strings.TrimSpace(command)
	if trimmed == "" {
		return v.block(command, "empty command")
	}
	src := []byte(trimmed)

	parser := sitter.NewParser()
	parser.SetLanguage(bash.GetLanguage())
	tree, err := parser.ParseCtx(ctx, nil, src)
	if err != nil {
		return v.block(command, fmt.Sprintf("parse failed: %v", err))
	}
	defer tree.Close()

	root := tree.RootNode()
	if root.HasError() {
		return v.block(command, "command does not parse as a shell statement")
	}
	if n := int(root.NamedChildCount()); n != 1 {
		return v.block(command, fmt.Sprintf("expected exactly one statement, found %d", n))
	}
	// Separators and background markers survive as anonymous tokens next to
	// the statement.
	for i := 0; i < int(root.ChildCount()); i++ {
		if child := root.Child(i); !child.IsNamed() {
			return v.block(command, fmt.Sprintf("disallowed token %q", child.Type()))
		}
	}

	stmt := root.NamedChild(0)
	if reason := scanConstructs(stmt); reason != "" {
		return v.block(command, "disallowed construct: "+reason)
	}
	if stmt.Type() != "command" {
		return v.block(command, fmt.Sprintf("unsupported statement form %q", stmt.Type()))
	}

	argv, reason := extractArgv(stmt, src)
	if reason != "" {
		return v.block(command, reason)
	}
	base := argv[0]
	if strings.ContainsAny(base, "/\\") {
		return v.block(command, fmt.Sprintf("interpreter %q must be a bare name", base))
	}
	if _, ok := allowedInterpreters[base]; !ok {
		return v.block(command, fmt.Sprintf("interpreter %q is not allow-listed", base))
	}
	return VetResult{Argv: argv}
}

func (v *Vetter) block(command, reason string) VetResult {
	v.logger.Warn("Validation command blocked.",
		zap.String("command", command),
		zap.String("reason", reason))
	return VetResult{BlockReason: reason}
}

// scanConstructs walks the whole subtree and returns the human name of the
// first blocked construct it finds. Single-quoted strings parse to a plain
// raw_string node, so quoted metacharacters never trip this.
func scanConstructs(node *sitter.Node) string {
	if node == nil {
		return ""
	}
	if name, blocked := blockedConstructs[node.Type()]; blocked {
		return name
	}
	for i := 0; i < int(node.ChildCount()); i++ {
		if name := scanConstructs(node.Child(i)); name != "" {
			return name
		}
	}
	return ""
}

// extractArgv flattens a command node into its argv. Only literal word
// forms are accepted; expansions were already rejected by the construct
// scan.
func extractArgv(cmd *sitter.Node, src []byte) ([]string, string) {
	argv := make([]string, 0, int(cmd.NamedChildCount()))
	for i := 0; i < int(cmd.NamedChildCount()); i++ {
		child := cmd.NamedChild(i)
		word, ok := literalText(child, src)
		if !ok {
			return nil, fmt.Sprintf("unsupported word form %q", child.Type())
		}
		argv = append(argv, word)
	}
	if len(argv) == 0 {
		return nil, "no command word"
	}
	return argv, ""
}

func literalText(node *sitter.Node, src []byte) (string, bool) {
	switch node.Type() {
	case "command_name":
		if node.NamedChildCount() == 0 {
			return node.Content(src), true
		}
		return literalText(node.NamedChild(0), src)
	case "word", "number":
		return node.Content(src), true
	case "string", "raw_string":
		return stripQuotes(node.Content(src)), true
	case "concatenation":
		var b strings.Builder
		for i := 0; i < int(node.NamedChildCount()); i++ {
			part, ok := literalText(node.NamedChild(i), src)
			if !ok {
				return "", false
			}
			b.WriteString(part)
		}
		return b.String(), true
	}
	return "", false
}

func stripQuotes(s string) string {
	if len(s) >= 2 {
		first, last := s[0], s[len(s)-1]
		if (first == '\'' && last == '\'') || (first == '"' && last == '"') {
			return s[1 : len(s)-1]
		}
	}
	return s
}
