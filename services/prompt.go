package services

import (
	"fmt"
	"strings"
)

const defaultFramework = "react"

// BuildSystemPrompt assembles the instructions sent ahead of the user's prompt
func BuildSystemPrompt(opts GenerateOptions) string {
	framework := opts.Framework
	if framework == "" {
		framework = defaultFramework
	}

	var b strings.Builder
	fmt.Fprintf(&b, "You are an expert UI engineer. Generate a single, production-ready %s component.\n", framework)

	if opts.TypeScript {
		b.WriteString("Use TypeScript with explicit prop types.\n")
	} else {
		b.WriteString("Use JavaScript.\n")
	}
	if opts.ComponentLibrary != "" && opts.ComponentLibrary != "none" {
		fmt.Fprintf(&b, "Build on the %s component library.\n", opts.ComponentLibrary)
	}
	if opts.Style != "" {
		fmt.Fprintf(&b, "Style it with %s.\n", opts.Style)
	}
	b.WriteString("Return only the component code in one fenced code block, with no explanation.")

	if ctx := strings.TrimSpace(opts.ContextAddition); ctx != "" {
		b.WriteString("\n\n")
		b.WriteString(ctx)
	}
	return b.String()
}

// BuildUserPrompt returns the user turn for opts
func BuildUserPrompt(opts GenerateOptions) string {
	if opts.HasImage() {
		return "Recreate the UI shown in the attached image. " + opts.Prompt
	}
	return opts.Prompt
}
