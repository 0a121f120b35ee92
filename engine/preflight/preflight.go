// Package preflight performs a side-effect-free lexical scan of an
// extension's entry source, predicting which registrations it will make,
// which capabilities it transitively needs, and any obvious failure
// modes — all without executing a line of it. It is advisory: its
// results never fail a load, and neither the lifecycle manager nor the
// conformance harness in this module calls it.
package preflight

import (
	"regexp"
	"sort"

	"pihost/engine/capability"
)

// PredictedRegistration is one pi.register* (or pi.on) call site the
// scanner found. Name is empty when the call's name argument isn't a
// string literal — a dynamic name is undetectable by a lexical scan and
// is simply not predicted (a false negative, tolerated by design).
type PredictedRegistration struct {
	Kind string
	Name string
}

// Prediction is the analyzer's full output for one entry file.
type Prediction struct {
	Registrations []PredictedRegistration
	Capabilities  []capability.Token
	Warnings      []string
}

// knownModules is the set of module names the scan does not warn about; a
// require() of anything else is flagged as a possible unresolved import
// rather than a hard failure. The host itself defines no require(): its
// Node-compatible shims are globals, and it provides no npm-module stubs.
var knownModules = map[string]bool{
	"fs": true, "path": true, "child_process": true, "http": true,
	"https": true, "crypto": true, "events": true, "buffer": true, "url": true,
	"@sinclair/typebox": true, "zod": true,
}

var (
	registerNamedRe   = regexp.MustCompile(`pi\.register(Command|Provider|Flag|Shortcut)\(\s*['"]([^'"]+)['"]`)
	registerToolCallRe = regexp.MustCompile(`pi\.registerTool\(`)
	registerRendererRe = regexp.MustCompile(`pi\.registerMessageRenderer\(\s*['"]([^'"]+)['"]`)
	onCallRe           = regexp.MustCompile(`pi\.on\(\s*['"]([^'"]+)['"]`)
	nameFieldRe        = regexp.MustCompile(`name\s*:\s*['"]([^'"]+)['"]`)
	requireRe          = regexp.MustCompile(`require\(\s*['"]([^'"]+)['"]\s*\)`)
	evalRe             = regexp.MustCompile(`\beval\s*\(`)
	busyWaitRe         = regexp.MustCompile(`while\s*\(\s*true\s*\)|for\s*\(\s*;\s*;\s*\)`)
)

// capabilityHints maps a lexical pattern in the source to the capability
// token it implies is used, transitively, by code matching it (spec
// §4.7: "any reference to child_process.spawn implies process.spawn").
var capabilityHints = []struct {
	pattern *regexp.Regexp
	token   capability.Token
}{
	{regexp.MustCompile(`require\(\s*['"]child_process['"]\s*\)|child_process\.(spawn|exec)|\bexec\(`), capability.ProcessSpawn},
	{regexp.MustCompile(`\bfs\.(read|list|stat)\(|require\(\s*['"]fs['"]\s*\)`), capability.FSRead},
	{regexp.MustCompile(`\bfs\.(write|unlink)\(`), capability.FSWrite},
	{regexp.MustCompile(`require\(\s*['"]https?['"]\s*\)|\bhttp\.(get|post)\(|\bfetch\(`), capability.NetFetch},
	{regexp.MustCompile(`\bcrypto\.`), capability.Crypto},
	{regexp.MustCompile(`process\.env\b`), capability.EnvRead},
	{regexp.MustCompile(`\bstorage\.(read|list)\(`), capability.StorageRead},
	{regexp.MustCompile(`\bstorage\.(write|delete)\(`), capability.StorageWrite},
}

// Analyze scans source and returns its prediction. It never executes
// source and never returns an error: a scan that finds nothing worth
// reporting is a valid, empty Prediction.
func Analyze(source string) Prediction {
	var p Prediction

	for _, m := range registerNamedRe.FindAllStringSubmatch(source, -1) {
		p.Registrations = append(p.Registrations, PredictedRegistration{Kind: kindFromSuffix(m[1]), Name: m[2]})
	}
	for _, m := range registerRendererRe.FindAllStringSubmatch(source, -1) {
		p.Registrations = append(p.Registrations, PredictedRegistration{Kind: "message_renderer", Name: m[1]})
	}
	for _, m := range onCallRe.FindAllStringSubmatch(source, -1) {
		p.Registrations = append(p.Registrations, PredictedRegistration{Kind: "event_handler", Name: m[1]})
	}
	for _, loc := range registerToolCallRe.FindAllStringIndex(source, -1) {
		window := source[loc[1]:min(len(source), loc[1]+500)]
		name := ""
		if nm := nameFieldRe.FindStringSubmatch(window); nm != nil {
			name = nm[1]
		}
		p.Registrations = append(p.Registrations, PredictedRegistration{Kind: "tool", Name: name})
	}

	capSet := make(map[capability.Token]bool)
	for _, hint := range capabilityHints {
		if hint.pattern.MatchString(source) {
			capSet[hint.token] = true
		}
	}
	for tok := range capSet {
		p.Capabilities = append(p.Capabilities, tok)
	}
	sort.Slice(p.Capabilities, func(i, j int) bool { return p.Capabilities[i] < p.Capabilities[j] })

	if evalRe.MatchString(source) {
		p.Warnings = append(p.Warnings, "uses eval(), which the host cannot statically analyze or sandbox further")
	}
	if busyWaitRe.MatchString(source) {
		p.Warnings = append(p.Warnings, "contains an unconditional while(true) or for(;;) loop; without an await this will starve the engine's cooperative scheduler")
	}
	for _, m := range requireRe.FindAllStringSubmatch(source, -1) {
		if !knownModules[m[1]] {
			p.Warnings = append(p.Warnings, "possible unresolved import: "+m[1])
		}
	}

	return p
}

func kindFromSuffix(suffix string) string {
	switch suffix {
	case "Command":
		return "command"
	case "Provider":
		return "provider"
	case "Flag":
		return "flag"
	case "Shortcut":
		return "shortcut"
	default:
		return suffix
	}
}

// Diff compares a Prediction against the registrations actually observed
// after module evaluation (spec §4.6 phase 5, harness-only). It never
// fails a load; it returns drift for the harness to report as
// hosterr.PreflightDrift.
func Diff(predicted Prediction, observed []PredictedRegistration) (missed, unexpected []PredictedRegistration) {
	predictedSet := make(map[string]bool, len(predicted.Registrations))
	for _, r := range predicted.Registrations {
		if r.Name == "" {
			continue // dynamic names are never predicted; never counted as drift either
		}
		predictedSet[r.Kind+"/"+r.Name] = true
	}
	observedSet := make(map[string]bool, len(observed))
	for _, r := range observed {
		observedSet[r.Kind+"/"+r.Name] = true
	}

	for _, r := range predicted.Registrations {
		if r.Name == "" {
			continue
		}
		if !observedSet[r.Kind+"/"+r.Name] {
			unexpected = append(unexpected, r) // predicted but never observed
		}
	}
	for _, r := range observed {
		if !predictedSet[r.Kind+"/"+r.Name] {
			missed = append(missed, r) // observed but not predicted (false negative; tolerated)
		}
	}
	return missed, unexpected
}
