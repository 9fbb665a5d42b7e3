package agentloop

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// RegisterBuiltinTools registers the standard coding tools on a registry.
// Read-only tools are marked concurrency-safe; anything that writes or runs
// arbitrary commands serializes.
func RegisterBuiltinTools(reg *ToolRegistry, defaultShellTimeout, maxShellTimeout time.Duration) {
	registerReadFile(reg)
	registerWriteFile(reg)
	registerEditFile(reg)
	registerShell(reg, defaultShellTimeout, maxShellTimeout)
	registerGrep(reg)
	registerGlob(reg)
}

func stringProp(description string) map[string]interface{} {
	return map[string]interface{}{"type": "string", "description": description}
}

func intProp(description string) map[string]interface{} {
	return map[string]interface{}{"type": "integer", "description": description}
}

func boolProp(description string) map[string]interface{} {
	return map[string]interface{}{"type": "boolean", "description": description}
}

func objectSchema(properties map[string]interface{}, required ...string) map[string]interface{} {
	schema := map[string]interface{}{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func registerReadFile(reg *ToolRegistry) {
	reg.MustRegister(Tool{
		Name:        "read_file",
		Description: "Read a file from the filesystem. Returns line-numbered content.",
		Parameters: objectSchema(map[string]interface{}{
			"file_path": stringProp("Path to the file to read."),
			"offset":    intProp("1-based line number to start reading from."),
			"limit":     intProp("Maximum number of lines to read. Default: 2000."),
		}, "file_path"),
		ConcurrencySafe: true,
		Execute: func(ctx context.Context, arguments json.RawMessage, env ExecutionEnvironment, _ ProgressFunc) (string, error) {
			args, err := ParseToolArguments(arguments)
			if err != nil {
				return "", err
			}
			filePath, ok := GetStringArg(args, "file_path")
			if !ok || filePath == "" {
				return "", fmt.Errorf("file_path is required")
			}
			offset, _ := GetIntArg(args, "offset")
			limit, _ := GetIntArg(args, "limit")
			if limit == 0 {
				limit = 2000
			}
			return env.ReadFile(filePath, offset, limit)
		},
	})
}

func registerWriteFile(reg *ToolRegistry) {
	reg.MustRegister(Tool{
		Name:        "write_file",
		Description: "Write content to a file. Creates the file and parent directories if needed.",
		Parameters: objectSchema(map[string]interface{}{
			"file_path": stringProp("Path to write to."),
			"content":   stringProp("The full file content to write."),
		}, "file_path", "content"),
		Execute: func(ctx context.Context, arguments json.RawMessage, env ExecutionEnvironment, _ ProgressFunc) (string, error) {
			args, err := ParseToolArguments(arguments)
			if err != nil {
				return "", err
			}
			filePath, _ := GetStringArg(args, "file_path")
			content, _ := GetStringArg(args, "content")
			if filePath == "" {
				return "", fmt.Errorf("file_path is required")
			}
			if err := env.WriteFile(filePath, content); err != nil {
				return "", err
			}
			return fmt.Sprintf("Wrote %d bytes to %s", len(content), filePath), nil
		},
	})
}

func registerEditFile(reg *ToolRegistry) {
	reg.MustRegister(Tool{
		Name:        "edit_file",
		Description: "Replace an exact string in a file. The old string must appear exactly once unless replace_all is set.",
		Parameters: objectSchema(map[string]interface{}{
			"file_path":   stringProp("Path to the file to edit."),
			"old_string":  stringProp("Exact text to replace."),
			"new_string":  stringProp("Replacement text."),
			"replace_all": boolProp("Replace every occurrence instead of requiring uniqueness."),
		}, "file_path", "old_string", "new_string"),
		Execute: func(ctx context.Context, arguments json.RawMessage, env ExecutionEnvironment, _ ProgressFunc) (string, error) {
			args, err := ParseToolArguments(arguments)
			if err != nil {
				return "", err
			}
			filePath, _ := GetStringArg(args, "file_path")
			oldString, _ := GetStringArg(args, "old_string")
			newString, _ := GetStringArg(args, "new_string")
			replaceAll, _ := GetBoolArg(args, "replace_all")
			if filePath == "" {
				return "", fmt.Errorf("file_path is required")
			}
			if oldString == "" {
				return "", fmt.Errorf("old_string must not be empty")
			}
			if oldString == newString {
				return "", fmt.Errorf("old_string and new_string are identical")
			}

			content, err := readRawFile(env, filePath)
			if err != nil {
				return "", err
			}

			count := strings.Count(content, oldString)
			if count == 0 {
				return "", fmt.Errorf("old_string not found in %s", filePath)
			}
			if count > 1 && !replaceAll {
				return "", fmt.Errorf("old_string appears %d times in %s; provide more context or set replace_all", count, filePath)
			}

			updated := strings.Replace(content, oldString, newString, -1)
			if !replaceAll {
				updated = strings.Replace(content, oldString, newString, 1)
			}
			if err := env.WriteFile(filePath, updated); err != nil {
				return "", err
			}
			return fmt.Sprintf("Replaced %d occurrence(s) in %s", count, filePath), nil
		},
	})
}

// readRawFile reads a file through the environment without line numbering.
func readRawFile(env ExecutionEnvironment, path string) (string, error) {
	numbered, err := env.ReadFile(path, 0, 0)
	if err != nil {
		return "", err
	}
	// Strip the "N | " prefixes the environment adds.
	lines := strings.Split(numbered, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		if _, rest, ok := strings.Cut(line, " | "); ok {
			out = append(out, rest)
		} else if line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n"), nil
}

func registerShell(reg *ToolRegistry, defaultTimeout, maxTimeout time.Duration) {
	reg.MustRegister(Tool{
		Name:        "shell",
		Description: "Execute a shell command in the working directory. Returns combined output and exit code.",
		Parameters: objectSchema(map[string]interface{}{
			"command":     stringProp("The command to execute."),
			"timeout_ms":  intProp("Timeout in milliseconds."),
			"working_dir": stringProp("Directory to run in. Defaults to the session working directory."),
		}, "command"),
		Timeout: maxTimeout,
		Execute: func(ctx context.Context, arguments json.RawMessage, env ExecutionEnvironment, _ ProgressFunc) (string, error) {
			args, err := ParseToolArguments(arguments)
			if err != nil {
				return "", err
			}
			command, ok := GetStringArg(args, "command")
			if !ok || command == "" {
				return "", fmt.Errorf("command is required")
			}
			workingDir, _ := GetStringArg(args, "working_dir")

			timeout := defaultTimeout
			if ms, ok := GetIntArg(args, "timeout_ms"); ok && ms > 0 {
				timeout = time.Duration(ms) * time.Millisecond
			}
			if maxTimeout > 0 && timeout > maxTimeout {
				timeout = maxTimeout
			}

			result, err := env.ExecCommand(ctx, command, timeout, workingDir)
			if err != nil {
				return "", err
			}
			output := result.Output()
			if result.TimedOut {
				return "", fmt.Errorf("command timed out after %s", timeout)
			}
			if result.ExitCode != 0 {
				output += fmt.Sprintf("\n[exit code: %d]", result.ExitCode)
			}
			return output, nil
		},
	})
}

func registerGrep(reg *ToolRegistry) {
	reg.MustRegister(Tool{
		Name:        "grep",
		Description: "Search file contents for a regular expression.",
		Parameters: objectSchema(map[string]interface{}{
			"pattern":          stringProp("The regular expression to search for."),
			"path":             stringProp("File or directory to search in."),
			"glob":             stringProp("Glob filter for file names, e.g. *.go."),
			"case_insensitive": boolProp("Case insensitive search."),
			"max_results":      intProp("Maximum matches per file."),
		}, "pattern"),
		ConcurrencySafe: true,
		Execute: func(ctx context.Context, arguments json.RawMessage, env ExecutionEnvironment, _ ProgressFunc) (string, error) {
			args, err := ParseToolArguments(arguments)
			if err != nil {
				return "", err
			}
			pattern, ok := GetStringArg(args, "pattern")
			if !ok || pattern == "" {
				return "", fmt.Errorf("pattern is required")
			}
			path, _ := GetStringArg(args, "path")
			globFilter, _ := GetStringArg(args, "glob")
			caseInsensitive, _ := GetBoolArg(args, "case_insensitive")
			maxResults, _ := GetIntArg(args, "max_results")

			out, err := env.Grep(ctx, pattern, path, GrepOptions{
				GlobFilter:      globFilter,
				CaseInsensitive: caseInsensitive,
				MaxResults:      maxResults,
			})
			if err != nil {
				return "", err
			}
			if out == "" {
				return "No matches found.", nil
			}
			return out, nil
		},
	})
}

func registerGlob(reg *ToolRegistry) {
	reg.MustRegister(Tool{
		Name:        "glob",
		Description: "Find files matching a glob pattern.",
		Parameters: objectSchema(map[string]interface{}{
			"pattern": stringProp("Glob pattern, e.g. **/*.go."),
			"path":    stringProp("Directory to search in."),
		}, "pattern"),
		ConcurrencySafe: true,
		Execute: func(ctx context.Context, arguments json.RawMessage, env ExecutionEnvironment, _ ProgressFunc) (string, error) {
			args, err := ParseToolArguments(arguments)
			if err != nil {
				return "", err
			}
			pattern, ok := GetStringArg(args, "pattern")
			if !ok || pattern == "" {
				return "", fmt.Errorf("pattern is required")
			}
			path, _ := GetStringArg(args, "path")

			matches, err := env.Glob(pattern, path)
			if err != nil {
				return "", err
			}
			if len(matches) == 0 {
				return "No files matched.", nil
			}
			return strings.Join(matches, "\n"), nil
		},
	})
}
