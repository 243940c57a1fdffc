// Package executor drives graph executions: the per-node event loop, the
// judge, edge selection, and the wave-based walk across the graph.
package executor

import (
	"fmt"
	"strings"

	"github.com/hiveloop/hiveloop/internal/graph"
	"github.com/hiveloop/hiveloop/internal/llm"
	"github.com/hiveloop/hiveloop/internal/memory"
)

// Verdict is the judge's decision after one model turn.
type Verdict string

const (
	// VerdictContinue keeps the node loop running for another turn.
	VerdictContinue Verdict = "CONTINUE"
	// VerdictAccept ends the node loop successfully.
	VerdictAccept Verdict = "ACCEPT"
	// VerdictRetry re-prompts the model with corrective feedback.
	VerdictRetry Verdict = "RETRY"
	// VerdictAwaitInput surfaces the turn's text to the client and
	// blocks the loop until a reply arrives.
	VerdictAwaitInput Verdict = "AWAIT_INPUT"
	// VerdictEscalate ends the node loop as failed.
	VerdictEscalate Verdict = "ESCALATE"
)

// JudgeInput is everything the judge sees about the turn just finished.
type JudgeInput struct {
	Node        *graph.NodeSpec
	Turn        *llm.Result
	Accumulator *memory.Accumulator
	// Iteration is 1-based: the turn just completed.
	Iteration     int
	MaxIterations int
	// Retries is the count of consecutive RETRY verdicts so far.
	Retries int
	// UserInteractions counts client replies received during this node
	// run (ask_client answers and injected input).
	UserInteractions int
	// InputAvailable reports whether a client input channel is
	// attached to this run.
	InputAvailable bool
}

// Judgment is a verdict plus optional feedback injected into the
// conversation on RETRY.
type Judgment struct {
	Verdict  Verdict
	Feedback string
	Reason   string
}

// Judge decides whether a node's loop is done after each turn.
type Judge interface {
	Judge(in JudgeInput) Judgment
}

// ImplicitJudge is the default completion rule set, applied in order:
//
//  1. The model requested tool calls: CONTINUE, the results are pending.
//  2. A client-facing node produced user-visible text before any client
//     reply arrived: AWAIT_INPUT, the text must be presented first. The
//     rule needs an attached input channel; headless runs skip it.
//  3. Required outputs are all set and no tools were called: ACCEPT.
//  4. Outputs are missing and retries remain: RETRY with feedback naming
//     the missing keys.
//  5. Otherwise: ESCALATE.
//
// The iteration cap overrides everything: a turn at the cap with missing
// outputs escalates rather than retrying forever.
type ImplicitJudge struct{}

// Judge implements Judge.
func (ImplicitJudge) Judge(in JudgeInput) Judgment {
	required := in.Node.RequiredOutputKeys()
	missing := in.Accumulator.Missing(required)

	if len(in.Turn.ToolCalls) > 0 {
		if in.Iteration >= in.MaxIterations {
			return Judgment{
				Verdict: VerdictEscalate,
				Reason:  fmt.Sprintf("iteration cap %d reached with pending tool calls", in.MaxIterations),
			}
		}
		return Judgment{Verdict: VerdictContinue}
	}

	if in.Node.ClientFacing && in.InputAvailable && in.UserInteractions == 0 &&
		strings.TrimSpace(in.Turn.Text) != "" {
		return Judgment{
			Verdict: VerdictAwaitInput,
			Reason:  "response must be presented to the user first",
		}
	}

	if len(missing) == 0 {
		return Judgment{Verdict: VerdictAccept}
	}

	maxRetries := in.Node.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 2
	}
	if in.Retries < maxRetries && in.Iteration < in.MaxIterations {
		return Judgment{
			Verdict: VerdictRetry,
			Feedback: fmt.Sprintf(
				"You have not recorded the required outputs yet: %s. Use the %s tool to record each one before finishing.",
				strings.Join(missing, ", "), "set_output"),
			Reason: "missing required outputs",
		}
	}

	return Judgment{
		Verdict: VerdictEscalate,
		Reason:  fmt.Sprintf("required outputs still missing after %d retries: %s", in.Retries, strings.Join(missing, ", ")),
	}
}
