// Package enrich merges failed verification findings into a new, append-only
// build-specification revision.
package enrich

import (
	"fmt"
	"strings"

	"git.home.luguber.info/inful/forgeflow/internal/state"
)

// BlockMarker opens every appended feedback block. Revision content is opaque
// to the rest of the pipeline; the marker exists so humans and workers can
// locate accumulated feedback.
const BlockMarker = "--- verification feedback"

// Revise produces BuildSpec revision N+1 from revision N and a failing
// QAReport. The merge is deterministic and strictly append-only: all content
// of the input revision is preserved unchanged and a single feedback block,
// tagged with the iteration that produced it, is appended. Feedback blocks
// from earlier iterations therefore accumulate across retries.
func Revise(spec state.BuildSpec, report state.QAReport, iteration int, reportRef string) state.BuildSpec {
	var b strings.Builder
	b.WriteString(spec.Content)
	if !strings.HasSuffix(spec.Content, "\n") && spec.Content != "" {
		b.WriteString("\n")
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "%s (iteration %d) ---\n", BlockMarker, iteration)
	for _, issue := range report.Issues {
		fmt.Fprintf(&b, "- [%s/%s] %s\n", issue.Type, issue.Severity, issue.Message)
	}
	if report.Feedback != "" {
		b.WriteString(report.Feedback)
		if !strings.HasSuffix(report.Feedback, "\n") {
			b.WriteString("\n")
		}
	}

	return state.BuildSpec{
		ExecutionID: spec.ExecutionID,
		Revision:    spec.Revision + 1,
		Content:     b.String(),
		QAReportRef: reportRef,
	}
}

// FeedbackBlocks counts the feedback blocks accumulated in a revision.
func FeedbackBlocks(spec state.BuildSpec) int {
	return strings.Count(spec.Content, BlockMarker)
}
