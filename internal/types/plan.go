// SPDX-License-Identifier: AGPL-3.0-or-later
package types

// Plan previews what a build would do without running anything.
type Plan struct {
	Spec     string            `json:"spec"`
	Strategy string            `json:"strategy"`
	Release  string            `json:"release,omitempty"`
	Steps    []PlanStepPreview `json:"steps"`
	Warnings []string          `json:"warnings,omitempty"`
}

// PlanStepPreview summarizes the resolved paths and commands of one step.
type PlanStepPreview struct {
	Name     string            `json:"name"`
	Kind     string            `json:"kind"`
	Paths    map[string]string `json:"paths,omitempty"`
	Commands []string          `json:"commands,omitempty"`
	Hooks    map[string]string `json:"hooks,omitempty"`
	Tools    []ToolRequirement `json:"tools,omitempty"`
}

// ToolRequirement reports whether an external tool is available.
type ToolRequirement struct {
	Name   string `json:"name"`
	Path   string `json:"path,omitempty"`
	Status string `json:"status,omitempty"` // present|missing
}
