package orchestrator

import (
	"context"
	"regexp"

	"go.uber.org/zap"

	"github.com/logabell/conversator/internal/builder"
	apperrors "github.com/logabell/conversator/internal/common/errors"
	"github.com/logabell/conversator/internal/eventlog"
)

// Quick dispatch operations.
const (
	OpQuery          = "query"
	OpSimpleMutation = "simple_mutation"
)

// quickQueryPatterns allowlists read-only commands.
var quickQueryPatterns = compileAll(
	`^ls\b`,
	`^tree\b`,
	`^pwd$`,
	`^cat\b`,
	`^head\b`,
	`^tail\b`,
	`^find\b.*-type`,
	`^which\b`,
	`^wc\b`,
	`^git\s+(status|log|diff|branch|show)\b`,
	`^file\b`,
	`^stat\b`,
)

// simpleMutationPatterns allowlists narrow, reversible writes.
var simpleMutationPatterns = compileAll(
	`^mkdir\s+(-p\s+)?"?[\w./_-]+"?$`,
	`^touch\s+"?[\w./_-]+"?$`,
	`^cp\b`,
	`^mv\b`,
	`^git\s+(add|checkout|switch|branch\s+-[dD]?)\b`,
)

// blockedPatterns always reject, whatever the operation. Pipes, chains,
// redirects, and destructive flags need the full refine-and-freeze path.
var blockedPatterns = compileAll(
	`\brm\b`,
	`\brmdir\b`,
	`\bsudo\b`,
	`--force`,
	`--hard`,
	`\|`,
	`&&`,
	`;\s*`,
	`>\s*`,
	`\bchmod\b.*777`,
)

func compileAll(patterns ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(patterns))
	for i, p := range patterns {
		out[i] = regexp.MustCompile(p)
	}
	return out
}

// classifyCommand decides whether a command is safe for quick dispatch.
// Returns ok plus a rejection reason usable as user-facing guidance.
func classifyCommand(operation, command string) (bool, string) {
	for _, p := range blockedPatterns {
		if p.MatchString(command) {
			return false, "command contains a blocked pattern; refine and dispatch it as a full task"
		}
	}
	switch operation {
	case OpQuery:
		for _, p := range quickQueryPatterns {
			if matchesPrefix(p, command) {
				return true, ""
			}
		}
		return false, "query pattern not recognized; refine and dispatch it as a full task"
	case OpSimpleMutation:
		for _, p := range simpleMutationPatterns {
			if matchesPrefix(p, command) {
				return true, ""
			}
		}
		return false, "mutation pattern not recognized; refine and dispatch it as a full task"
	}
	return false, "unknown operation type"
}

// matchesPrefix anchors the allowlist patterns at the start of the command.
func matchesPrefix(p *regexp.Regexp, command string) bool {
	loc := p.FindStringIndex(command)
	return loc != nil && loc[0] == 0
}

// QuickResult is the outcome of a quick dispatch.
type QuickResult struct {
	Allowed bool   `json:"allowed"`
	Success bool   `json:"success"`
	Output  string `json:"output,omitempty"`
	Reason  string `json:"reason,omitempty"`
	Builder string `json:"builder,omitempty"`
}

// QuickDispatch runs a small allowlisted command through a builder that
// supports one-shot execution. Blocked or unrecognized commands never reach
// a builder; every request lands in the log either as executed or blocked.
func (o *Orchestrator) QuickDispatch(ctx context.Context, commandID, operation,
	command string) (*QuickResult, error) {
	if command == "" {
		return nil, apperrors.ValidationError("command", "command is required")
	}
	if prior, err := o.priorCommandEvent(commandID); err != nil {
		return nil, err
	} else if prior != nil {
		return o.quickResultFrom(prior), nil
	}

	req := eventlog.Proposed(eventlog.TypeQuickDispatchRequested, "", map[string]interface{}{
		"operation": operation,
		"command":   command,
	}).WithIdempotencyKey(cmdKey(commandID))
	if _, err := o.append(ctx, req); err != nil {
		return nil, err
	}

	ok, reason := classifyCommand(operation, command)
	if !ok {
		blocked := eventlog.Proposed(eventlog.TypeQuickDispatchBlocked, "", map[string]interface{}{
			"operation": operation,
			"command":   command,
			"reason":    reason,
		})
		if _, err := o.log.Append(ctx, blocked); err != nil {
			return nil, err
		}
		o.logg.Info("quick dispatch blocked",
			zap.String("command", command), zap.String("reason", reason))
		return &QuickResult{Reason: reason}, nil
	}

	runner, builderName, err := o.quickRunner()
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithTimeout(ctx, quickRunTimeout)
	output, runErr := runner.QuickRun(runCtx, command)
	cancel()

	result := &QuickResult{Allowed: true, Builder: builderName}
	payload := map[string]interface{}{
		"operation": operation,
		"command":   command,
		"builder":   builderName,
	}
	if runErr != nil {
		result.Reason = runErr.Error()
		if runCtx.Err() == context.DeadlineExceeded {
			result.Reason = "command timed out"
		}
		payload["success"] = false
		payload["error"] = result.Reason
	} else {
		result.Success = true
		result.Output = output
		payload["success"] = true
	}

	exec := eventlog.Proposed(eventlog.TypeQuickDispatchExecuted, "", payload)
	if _, err := o.log.Append(ctx, exec); err != nil {
		return nil, err
	}
	return result, nil
}

// quickRunner finds the default builder's one-shot runner.
func (o *Orchestrator) quickRunner() (builder.QuickRunner, string, error) {
	if o.registry == nil {
		return nil, "", apperrors.ServiceUnavailable("builder registry")
	}
	name := o.registry.DefaultName()
	adapter, err := o.registry.Get(name)
	if err != nil {
		return nil, "", err
	}
	runner, ok := adapter.(builder.QuickRunner)
	if !ok {
		return nil, "", apperrors.ServiceUnavailable("quick dispatch builder")
	}
	return runner, name, nil
}

// quickResultFrom rebuilds a result for a retried command id from the
// resolution event that followed the original request.
func (o *Orchestrator) quickResultFrom(req *eventlog.Event) *QuickResult {
	command := req.PayloadString("command")
	following, err := o.log.Store().LoadRange(req.Seq, 64)
	if err == nil {
		for _, ev := range following {
			if ev.PayloadString("command") != command {
				continue
			}
			switch ev.Type {
			case eventlog.TypeQuickDispatchExecuted:
				return &QuickResult{
					Allowed: true,
					Success: ev.PayloadBool("success"),
					Reason:  ev.PayloadString("error"),
					Builder: ev.PayloadString("builder"),
				}
			case eventlog.TypeQuickDispatchBlocked:
				return &QuickResult{Reason: ev.PayloadString("reason")}
			}
		}
	}
	// The request landed but its resolution is missing.
	return &QuickResult{Reason: "command outcome unknown, retry with a new command id"}
}
