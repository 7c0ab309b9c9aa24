package tools

import (
	"fmt"
	"strings"

	"pingpong/internal/domain"
)

// Instruction builders shared by the tool executor and the sequential
// workflow machine. Each one renders only the context its phase needs.

func SpecInstruction(snap domain.WorkflowContext, target string) string {
	var b strings.Builder
	b.WriteString("Write a specification for the request below.\n")
	b.WriteString("Describe behaviour, inputs, outputs, edge cases and acceptance criteria.\n")
	b.WriteString("Return a single file whose path is ")
	b.WriteString(target)
	b.WriteString(" and whose content is Markdown.\n\n")
	b.WriteString("Request:\n")
	b.WriteString(snap.OriginalPrompt)
	b.WriteString("\n")
	return b.String()
}

func SpecRevisionInstruction(snap domain.WorkflowContext, feedback string) string {
	var b strings.Builder
	b.WriteString("The specification was not approved. Revise it and return the full new version.\n")
	if strings.TrimSpace(feedback) != "" {
		b.WriteString("\nReviewer feedback:\n")
		b.WriteString(feedback)
		b.WriteString("\n")
	}
	writeSpec(&b, snap)
	return b.String()
}

func TestInstruction(snap domain.WorkflowContext) string {
	var b strings.Builder
	b.WriteString("Write automated tests for the frozen specification.\n")
	b.WriteString("The tests must fail until the behaviour is implemented. Do not write implementation code.\n")
	writeSpec(&b, snap)
	return b.String()
}

func ImplementInstruction(snap domain.WorkflowContext) string {
	var b strings.Builder
	b.WriteString("Implement code that satisfies the specification and makes the tests pass.\n")
	b.WriteString("Do not modify the specification or the tests.\n")
	writeSpec(&b, snap)
	writeList(&b, "Test files", snap.ImplementationStatus.TestsCreated)
	writeList(&b, "Files already created", snap.ImplementationStatus.FilesCreated)
	writeLatest(&b, snap)
	return b.String()
}

func RunTestsInstruction(snap domain.WorkflowContext) string {
	var b strings.Builder
	b.WriteString("Run the test suite and report how many tests passed and failed.\n")
	writeList(&b, "Test files", snap.ImplementationStatus.TestsCreated)
	return b.String()
}

func ReviewInstruction(snap domain.WorkflowContext) string {
	var b strings.Builder
	b.WriteString("Review the implementation against the specification. The tests pass.\n")
	b.WriteString("Point out gaps between the specification and the code, if any.\n")
	writeSpec(&b, snap)
	writeList(&b, "Implementation files", snap.ImplementationStatus.FilesCreated)
	writeLatest(&b, snap)
	return b.String()
}

func PausedInstruction(snap domain.WorkflowContext) string {
	return fmt.Sprintf("Stopped after %d of %d iterations without passing tests. Wait for the user to continue, simplify or abort.\n",
		snap.Iteration, snap.MaxIterations)
}

func writeSpec(b *strings.Builder, snap domain.WorkflowContext) {
	b.WriteString("\nSpecification")
	if snap.SpecPath != "" {
		b.WriteString(" (")
		b.WriteString(snap.SpecPath)
		b.WriteString(")")
	}
	b.WriteString(":\n")
	if snap.HasSpec() {
		b.WriteString(snap.SpecContent)
	} else {
		b.WriteString("(none yet)")
	}
	b.WriteString("\n")
}

func writeList(b *strings.Builder, title string, items []string) {
	if len(items) == 0 {
		return
	}
	b.WriteString("\n")
	b.WriteString(title)
	b.WriteString(":\n")
	for _, item := range items {
		b.WriteString("- ")
		b.WriteString(item)
		b.WriteString("\n")
	}
}

func writeLatest(b *strings.Builder, snap domain.WorkflowContext) {
	latest, ok := snap.LatestTestResult()
	if !ok {
		return
	}
	status := "FAILED"
	if latest.Passed {
		status = "PASSED"
	}
	fmt.Fprintf(b, "\nLast test run %s:\n%s\n", status, trim(latest.Output, 2000))
}
