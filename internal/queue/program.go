package queue

import (
	"fmt"
	"strings"
)

// LaunchSyntax is how a program receives its input file.
type LaunchSyntax int

// The zero value is plain.
const (
	SyntaxPlain LaunchSyntax = iota
	SyntaxInputArg
	SyntaxInputArgNoExt
	SyntaxRedirect
	SyntaxInputArgOutputRedirect
	SyntaxCustom
)

var syntaxNames = map[LaunchSyntax]string{
	SyntaxCustom:                 "custom",
	SyntaxPlain:                  "plain",
	SyntaxInputArg:               "input_arg",
	SyntaxInputArgNoExt:          "input_arg_no_ext",
	SyntaxRedirect:               "redirect",
	SyntaxInputArgOutputRedirect: "input_arg_output_redirect",
}

func (s LaunchSyntax) String() string {
	if name, ok := syntaxNames[s]; ok {
		return name
	}
	return "unknown"
}

// ParseLaunchSyntax maps a config name to a syntax. The empty name is plain.
func ParseLaunchSyntax(name string) (LaunchSyntax, error) {
	if name == "" {
		return SyntaxPlain, nil
	}
	for s, n := range syntaxNames {
		if strings.EqualFold(n, name) {
			return s, nil
		}
	}
	return SyntaxPlain, fmt.Errorf("unknown launch syntax %q", name)
}

// Program is an executable a queue offers to clients.
type Program struct {
	Name           string
	Executable     string
	Arguments      string
	InputFilename  string // defaults to $$inputFileName$$
	OutputFilename string // defaults to $$inputFileBaseName$$.out
	Syntax         LaunchSyntax
	CustomTemplate string // the whole launch script when Syntax is custom
}

func (p *Program) inputFilename() string {
	if p.InputFilename != "" {
		return p.InputFilename
	}
	return "$$inputFileName$$"
}

func (p *Program) outputFilename() string {
	if p.OutputFilename != "" {
		return p.OutputFilename
	}
	return "$$inputFileBaseName$$.out"
}

// Execution is the shell text substituted for $$programExecution$$.
func (p *Program) Execution() string {
	cmd := p.Executable
	if p.Arguments != "" {
		cmd += " " + p.Arguments
	}

	switch p.Syntax {
	case SyntaxInputArg:
		return cmd + " " + p.inputFilename()
	case SyntaxInputArgNoExt:
		return cmd + " $$inputFileBaseName$$"
	case SyntaxRedirect:
		return cmd + " < " + p.inputFilename() + " > " + p.outputFilename()
	case SyntaxInputArgOutputRedirect:
		return cmd + " " + p.inputFilename() + " > " + p.outputFilename()
	case SyntaxCustom:
		return ""
	default:
		return cmd
	}
}

// LaunchTemplate returns the launch script for this program on a queue whose
// template is queueTemplate. Keywords are left for ReplaceKeywords.
func (p *Program) LaunchTemplate(queueTemplate string) string {
	if p.Syntax == SyntaxCustom {
		return p.CustomTemplate
	}
	return strings.ReplaceAll(queueTemplate, "$$programExecution$$", p.Execution())
}
