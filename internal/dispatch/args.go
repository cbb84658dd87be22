package dispatch

import (
	"regexp"
	"strings"

	"github.com/mattjoyce/relayer/internal/errs"
)

var placeholderPattern = regexp.MustCompile(`\{(input|inputs_dir|outputs_dir|run_dir|job_id|library|request|param:[A-Za-z0-9_]+)\}`)

// Vars holds the values substituted into tool.args.
type Vars struct {
	Input      string
	InputsDir  string
	OutputsDir string
	RunDir     string
	JobID      string
	Library    string
	Request    string
	Params     map[string]string
}

// ExpandArgs substitutes placeholders in each element of args. Unknown
// brace sequences pass through untouched. A {param:NAME} whose NAME was not
// submitted is a ValidationError, as is a parameter value carrying quotes or
// line breaks: args are often embedded in tool source such as a MATLAB
// -batch statement.
func ExpandArgs(args []string, v Vars) ([]string, error) {
	out := make([]string, len(args))
	var missing, unsafe string

	for i, arg := range args {
		out[i] = placeholderPattern.ReplaceAllStringFunc(arg, func(match string) string {
			key := match[1 : len(match)-1]
			switch key {
			case "input":
				return v.Input
			case "inputs_dir":
				return v.InputsDir
			case "outputs_dir":
				return v.OutputsDir
			case "run_dir":
				return v.RunDir
			case "job_id":
				return v.JobID
			case "library":
				return v.Library
			case "request":
				return v.Request
			}
			name := strings.TrimPrefix(key, "param:")
			value, ok := v.Params[name]
			if !ok && missing == "" {
				missing = name
			}
			if strings.ContainsAny(value, "'\"`\r\n") && unsafe == "" {
				unsafe = name
			}
			return value
		})
	}

	if missing != "" {
		return nil, errs.Validation("parameter %q is required by the tool invocation", missing)
	}
	if unsafe != "" {
		return nil, errs.Validation("parameter %q contains forbidden characters", unsafe)
	}
	return out, nil
}

// RequiredParams lists the {param:NAME} names referenced by args, in first
// appearance order.
func RequiredParams(args []string) []string {
	var names []string
	seen := map[string]bool{}
	for _, arg := range args {
		for _, m := range placeholderPattern.FindAllStringSubmatch(arg, -1) {
			name, ok := strings.CutPrefix(m[1], "param:")
			if !ok || seen[name] {
				continue
			}
			seen[name] = true
			names = append(names, name)
		}
	}
	return names
}
