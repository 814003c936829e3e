package policy

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		requestConflictPolicy(),
		excludeAllPolicy(),
		missingInputsPolicy(),
	}
}

// requestConflictPolicy refuses requests that both ask for and exclude a name.
func requestConflictPolicy() Policy {
	return Policy{
		Name:        "request-conflict",
		Description: "A name cannot be both requested as a target and excluded",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Rego: `package bapflow.admission.conflict

import rego.v1

deny contains violation if {
	some name in input.targets
	name in input.excluded
	violation := {
		"message": sprintf("%s is both requested and excluded", [name]),
		"severity": "error",
	}
}
`,
	}
}

// excludeAllPolicy refuses requests that leave nothing to run.
func excludeAllPolicy() Policy {
	return Policy{
		Name:        "exclude-all",
		Description: "Excluding every service leaves nothing to run",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Rego: `package bapflow.admission.excludeall

import rego.v1

deny contains violation if {
	count(input.services) > 0
	every service in input.services {
		service in input.excluded
	}
	violation := {
		"message": "every service is excluded",
		"severity": "error",
	}
}
`,
	}
}

// missingInputsPolicy warns when no params are given, the usual cause of an
// immediately failed run.
func missingInputsPolicy() Policy {
	return Policy{
		Name:        "missing-inputs",
		Description: "Warns when the request provides no params",
		Severity:    SeverityWarning,
		Enabled:     true,
		Builtin:     true,
		Rego: `package bapflow.admission.inputs

import rego.v1

deny contains violation if {
	count(input.params) == 0
	violation := {
		"message": "no params were given; did you forget to specify inputs?",
		"severity": "warning",
	}
}
`,
	}
}
