package tools

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"time"
)

// Command patterns denied regardless of configuration. The runtime has no
// container sandbox, so the deny list is the only barrier between a
// prompt-injected model and the host.
var shellDenyPatterns = []*regexp.Regexp{
	// Destructive file and disk operations.
	regexp.MustCompile(`\brm\s+-[rf]{1,2}\b`),
	regexp.MustCompile(`\brm\s+.*--(recursive|force)`),
	regexp.MustCompile(`\b(mkfs|fdisk|parted)\b`),
	regexp.MustCompile(`\bdd\s+if=`),
	regexp.MustCompile(`>\s*/dev/sd[a-z]\b`),
	regexp.MustCompile(`\b(shutdown|reboot|poweroff)\b`),
	regexp.MustCompile(`:\(\)\s*\{.*\};\s*:`), // fork bomb

	// Remote code fetch-and-run and exfiltration channels.
	regexp.MustCompile(`\bcurl\b.*\|\s*(ba)?sh\b`),
	regexp.MustCompile(`\bwget\b.*-O\s*-\s*\|\s*(ba)?sh\b`),
	regexp.MustCompile(`\bbase64\s+-d\b.*\|\s*(ba)?sh\b`),
	regexp.MustCompile(`/dev/tcp/`),
	regexp.MustCompile(`\b(nc|ncat|netcat)\b.*-[el]\b`),
	regexp.MustCompile(`\bsocat\b`),

	// Privilege escalation.
	regexp.MustCompile(`\bsudo\b`),
	regexp.MustCompile(`\bsu\s+-`),
	regexp.MustCompile(`\b(mount|umount)\b`),

	// Loader injection.
	regexp.MustCompile(`\b(LD_PRELOAD|LD_LIBRARY_PATH|BASH_ENV)\s*=`),

	// Secret dumping. Bare env/printenv exposes API keys and the DSN;
	// 'env VAR=val cmd' stays allowed.
	regexp.MustCompile(`^\s*env\s*($|\||>)`),
	regexp.MustCompile(`\bprintenv\b`),

	// Persistence.
	regexp.MustCompile(`\bcrontab\b`),
	regexp.MustCompile(`>\s*~/?\.(bashrc|bash_profile|profile|zshrc)`),
}

// ShellTool runs a command through `sh -c` in the workspace directory.
type ShellTool struct {
	workspace    string
	timeout      time.Duration
	denyPatterns []*regexp.Regexp
}

func NewShellTool(workspace string, timeout time.Duration) *ShellTool {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &ShellTool{
		workspace:    workspace,
		timeout:      timeout,
		denyPatterns: shellDenyPatterns,
	}
}

func (t *ShellTool) Name() string        { return "shell" }
func (t *ShellTool) Group() string       { return "runtime" }
func (t *ShellTool) Description() string { return "Execute a shell command and return its output" }

func (t *ShellTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"command": map[string]interface{}{
				"type":        "string",
				"description": "The shell command to execute",
			},
		},
		"required": []string{"command"},
	}
}

func (t *ShellTool) AllowedModes() []Mode { return []Mode{ModeAgent} }
func (t *ShellTool) Risk() RiskLevel      { return RiskHigh }

func (t *ShellTool) Execute(ctx context.Context, tc ToolContext, args map[string]interface{}) *Result {
	command, _ := args["command"].(string)
	if command == "" {
		return ErrorResult("command is required")
	}
	for _, pattern := range t.denyPatterns {
		if pattern.MatchString(command) {
			return ErrorResultf("command denied by safety policy: matches pattern %s", pattern.String())
		}
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = t.workspace

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	var output string
	if stdout.Len() > 0 {
		output = stdout.String()
	}
	if stderr.Len() > 0 {
		if output != "" {
			output += "\n"
		}
		output += "STDERR:\n" + stderr.String()
	}

	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return ErrorResult(fmt.Sprintf("command timed out after %s", t.timeout))
		}
		if output == "" {
			output = err.Error()
		}
		return ErrorResult(output).WithError(err)
	}

	if output == "" {
		output = "(command completed with no output)"
	}
	return NewResult(output)
}
