// Package policy authorizes management operations with Open Policy Agent.
//
// An Engine holds a set of Rego modules. Each module contributes a "deny"
// set; for every operation the engine evaluates the deny set of every
// enabled module against an Input describing the operation and where it
// runs:
//
//	{
//	  "operation": {
//	    "id": "...", "kind": "remove", "address": "/profile=full",
//	    "path": [{"key": "profile", "value": "full"}],
//	    "subsystem": "", "parameters": {}
//	  },
//	  "context": {"process": "domain", "environment": "production", "user": "ops"}
//	}
//
// A deny element is either a message string or an object with "message",
// "severity" and "address" fields. Elements with severity error or critical
// deny the operation; the others are logged and published as warnings.
//
// The Engine implements pipeline.Authorizer, so plugging it into a
// pipeline controller runs the policies before the model stage:
//
//	eng, err := policy.NewEngine(logger, policy.Options{
//	    Context: policy.Context{Process: "domain", Environment: "production"},
//	})
//	if err != nil {
//	    return err
//	}
//	if err := eng.LoadPolicies(ctx, []string{"/etc/dkctl/policies"}); err != nil {
//	    return err
//	}
//	controller := pipeline.NewController(pipeline.Options{Authorizer: eng})
//
// # Built-in policies
//
//   - resource-naming: new resources need addressable keys and names
//   - protect-rollout-plans: the rollout plans container cannot be removed
//   - production-removals: profiles cannot be removed in production
//   - production-debug: warns on debug=true in production
//
// # Custom policies
//
// User policies live in .rego or .json files; see Loader. WatchPolicies
// keeps them in sync with the files on disk.
//
//	package custom.frozen
//
//	import rego.v1
//
//	# Freezes the mail subsystem.
//	# severity: error
//
//	deny contains "mail is frozen" if {
//	    input.operation.subsystem == "mail"
//	}
package policy
