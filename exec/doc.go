// Package exec provides a unified facade for running guest programs against a
// capability catalog.
//
// The exec package wires the pieces of vaultscript into one API: a
// [capability.Catalog] seeded with the note vault capabilities, a custom
// function registry, and a [code.Evaluator]. Hosts that do not need to
// assemble those parts by hand create an [Exec] instead.
//
// # Basic Usage
//
//	e, err := exec.New(exec.Options{})
//	if err != nil {
//	    return err
//	}
//	res := e.Evaluate(ctx, code.Request{
//	    Code:                `async function main() { return (await notes.list()).length; }`,
//	    AllowedCapabilities: []string{"notes.*"},
//	})
//
// # Host Capabilities
//
// Additional host APIs are declared through Options.Capabilities and
// Options.Types. Set DisableVault to expose only those.
//
// # Search and Describe
//
// The catalog is indexed with tooldiscovery, so capabilities can be found
// by query and described at several detail levels:
//
//	results, _ := e.SearchCapabilities(ctx, "create a note", 5)
//	doc, _ := e.DescribeCapability(ctx, "notes.create", tooldoc.DetailFull)
//
// # Direct Calls
//
// RunCapability calls a single capability from the host without a sandbox.
// It goes through the same argument validation as guest calls.
package exec
