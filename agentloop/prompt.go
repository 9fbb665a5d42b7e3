package agentloop

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/treeline-ai/treeline/sessionlog"
)

const maxProjectDocBytes = 32 * 1024 // 32KB

const basePrompt = `You are a coding agent operating in the user's repository.
Work autonomously: read before you write, prefer small verifiable steps, and
report what you actually did. Use the provided tools for all file and shell
interaction.`

// BuildSystemPrompt assembles the system prompt: base instructions,
// environment context, project docs, and any user instructions last.
func BuildSystemPrompt(env ExecutionEnvironment, model, userInstructions string) string {
	var sb strings.Builder
	sb.WriteString(basePrompt)
	sb.WriteString("\n\n")
	sb.WriteString(BuildEnvironmentContext(env, model))

	if docs := DiscoverProjectDocs(env.WorkingDirectory()); docs != "" {
		sb.WriteString("\n\n")
		sb.WriteString(docs)
	}
	if userInstructions != "" {
		sb.WriteString("\n\n# User Instructions\n\n")
		sb.WriteString(userInstructions)
	}
	return sb.String()
}

// BuildEnvironmentContext generates the structured environment context block.
func BuildEnvironmentContext(env ExecutionEnvironment, model string) string {
	workingDir := env.WorkingDirectory()
	branch := gitBranch(workingDir)

	var sb strings.Builder
	sb.WriteString("<environment>\n")
	fmt.Fprintf(&sb, "Working directory: %s\n", workingDir)
	fmt.Fprintf(&sb, "Is git repository: %v\n", gitRoot(workingDir) != "")
	if branch != "" {
		fmt.Fprintf(&sb, "Git branch: %s\n", branch)
	}
	fmt.Fprintf(&sb, "Platform: %s\n", env.Platform())
	fmt.Fprintf(&sb, "Today's date: %s\n", time.Now().Format("2006-01-02"))
	if model != "" {
		fmt.Fprintf(&sb, "Model: %s\n", model)
	}
	sb.WriteString("</environment>")
	return sb.String()
}

// DiscoverProjectDocs loads recognized project instruction files from the
// git root (or working directory), bounded to maxProjectDocBytes total.
func DiscoverProjectDocs(workingDir string) string {
	root := gitRoot(workingDir)
	if root == "" {
		root = workingDir
	}

	var docs []string
	remaining := maxProjectDocBytes
	for _, name := range []string{"AGENTS.md", "CLAUDE.md"} {
		data, err := os.ReadFile(filepath.Join(root, name))
		if err != nil {
			continue
		}
		if len(data) > remaining {
			data = data[:remaining]
		}
		remaining -= len(data)
		docs = append(docs, fmt.Sprintf("# Project instructions (%s)\n\n%s", name, string(data)))
		if remaining <= 0 {
			break
		}
	}
	return strings.Join(docs, "\n\n")
}

func gitRoot(dir string) string {
	out, err := exec.Command("git", "-C", dir, "rev-parse", "--show-toplevel").Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

func gitBranch(dir string) string {
	out, err := exec.Command("git", "-C", dir, "rev-parse", "--abbrev-ref", "HEAD").Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

// contextStatus renders the model-visible usage report injected ahead of a
// model call once usage crosses the disclosure threshold. It is synthesized
// fresh for each call and never persisted.
func contextStatus(usedTokens, budget int, lastCompaction *sessionlog.CompactionPayload) string {
	var sb strings.Builder
	sb.WriteString("<context_status>\n")
	fmt.Fprintf(&sb, "Tokens used: %d\n", usedTokens)
	until := budget - usedTokens
	if until < 0 {
		until = 0
	}
	fmt.Fprintf(&sb, "Tokens until compaction: %d\n", until)
	if lastCompaction != nil {
		if len(lastCompaction.Details.ReadFiles) > 0 {
			fmt.Fprintf(&sb, "Files read before last compaction: %s\n",
				strings.Join(lastCompaction.Details.ReadFiles, ", "))
		}
		if len(lastCompaction.Details.ModifiedFiles) > 0 {
			fmt.Fprintf(&sb, "Files modified before last compaction: %s\n",
				strings.Join(lastCompaction.Details.ModifiedFiles, ", "))
		}
	}
	sb.WriteString("</context_status>")
	return sb.String()
}
