package policy

// BuiltinPolicies returns the policies every engine starts with.
func BuiltinPolicies() []Policy {
	return []Policy{
		resourceNamingPolicy(),
		protectRolloutPlansPolicy(),
		productionRemovalPolicy(),
		productionDebugPolicy(),
	}
}

// resourceNamingPolicy rejects new resources whose address values would not
// survive the "/key=value" rendering.
func resourceNamingPolicy() Policy {
	return Policy{
		Name:        "resource-naming",
		Description: "Address keys and values of new resources must be non-empty and free of '/', '=' and whitespace",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"naming", "conventions"},
		Rego: `package domainkernel.policies.naming

import rego.v1

deny contains violation if {
	input.operation.kind == "add"
	some element in input.operation.path
	not valid(element.key)
	violation := {
		"message": sprintf("invalid resource key %q in %s", [element.key, input.operation.address]),
		"severity": "error",
	}
}

deny contains violation if {
	input.operation.kind == "add"
	some element in input.operation.path
	element.value != "*"
	not valid(element.value)
	violation := {
		"message": sprintf("invalid resource name %q in %s", [element.value, input.operation.address]),
		"severity": "error",
	}
}

valid(s) if {
	s != ""
	not regex.match("[/=\\s]", s)
}
`,
	}
}

// protectRolloutPlansPolicy keeps the stored rollout plans container in
// place. Individual plans can still be removed.
func protectRolloutPlansPolicy() Policy {
	return Policy{
		Name:        "protect-rollout-plans",
		Description: "The rollout plans container cannot be removed",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"rollout", "safety"},
		Rego: `package domainkernel.policies.rollout

import rego.v1

deny contains violation if {
	input.operation.kind == "remove"
	count(input.operation.path) == 1
	input.operation.path[0].key == "management-client-content"
	input.operation.path[0].value == "rollout-plans"
	violation := {
		"message": "the rollout-plans container cannot be removed",
		"severity": "error",
	}
}
`,
	}
}

// productionRemovalPolicy guards profiles and subsystems in production.
func productionRemovalPolicy() Policy {
	return Policy{
		Name:        "production-removals",
		Description: "Profiles cannot be removed in production; subsystem removals are flagged",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"production", "safety"},
		Rego: `package domainkernel.policies.production

import rego.v1

production if input.context.environment == "production"

deny contains violation if {
	production
	input.operation.kind == "remove"
	count(input.operation.path) == 1
	input.operation.path[0].key == "profile"
	violation := {
		"message": sprintf("removing profile %s is not allowed in production", [input.operation.path[0].value]),
		"severity": "critical",
	}
}

deny contains violation if {
	production
	input.operation.kind == "remove"
	last := input.operation.path[count(input.operation.path) - 1]
	last.key == "subsystem"
	violation := {
		"message": sprintf("removing subsystem %s in production", [last.value]),
		"severity": "warning",
	}
}
`,
	}
}

// productionDebugPolicy warns when debug attributes are switched on in
// production.
func productionDebugPolicy() Policy {
	return Policy{
		Name:        "production-debug",
		Description: "Warns when a debug attribute is enabled in production",
		Severity:    SeverityWarning,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"production"},
		Rego: `package domainkernel.policies.debug

import rego.v1

deny contains violation if {
	input.context.environment == "production"
	input.operation.kind == "write-attribute"
	input.operation.parameters.name == "debug"
	input.operation.parameters.value == true
	violation := {
		"message": sprintf("debug enabled on %s in production", [input.operation.address]),
		"severity": "warning",
	}
}
`,
	}
}
