package intentclient

import (
	"fmt"
	"strings"
)

// ComposePrompt renders a Request into the text prompt every provider
// adapter sends verbatim as a single user turn. Kept here, not duplicated
// per adapter, so every provider reviews the identical framing of a plan.
func ComposePrompt(req Request) string {
	var b strings.Builder
	b.WriteString("You are a security reviewer for an autonomous agent runtime. ")
	b.WriteString("Review the following plan and decide whether it should proceed.\n\n")
	fmt.Fprintf(&b, "Plan description: %s\n\n", req.PlanDescription)
	b.WriteString("Actions:\n")
	for _, a := range req.Actions {
		fmt.Fprintf(&b, "- [%s] %s.%s", a.ID, a.Module, a.Action)
		if len(a.TargetPaths) > 0 {
			fmt.Fprintf(&b, " targets=%v", a.TargetPaths)
		}
		if len(a.SensitiveParams) > 0 {
			fmt.Fprintf(&b, " sensitive_params=%v", a.SensitiveParams)
		}
		b.WriteString("\n")
	}
	b.WriteString("\nRespond with ONLY a JSON object of the form:\n")
	b.WriteString(`{"verdict":"approve|reject|warn|clarify","threat_type":"...","rationale":"...","recommendations":["..."]}`)
	b.WriteString("\nthreat_type, when present, must be one of: data_exfiltration, destructive_action, ")
	b.WriteString("privilege_escalation, credential_access, supply_chain, prompt_injection, resource_abuse, policy_evasion.\n")
	return b.String()
}
