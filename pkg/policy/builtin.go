package policy

import (
	"time"
)

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		instanceNamePolicy(),
		remoteAddressPolicy(),
		cloudProfileBoundsPolicy(),
		tenantQuotaPolicy(),
		allowedRegionsPolicy(),
	}
}

func builtin(p Policy) Policy {
	now := time.Now()
	p.Enabled = true
	p.Builtin = true
	p.CreatedAt = now
	p.UpdatedAt = now
	return p
}

// instanceNamePolicy warns about names that are not DNS labels.
func instanceNamePolicy() Policy {
	return builtin(Policy{
		Name:        "instance-name",
		Description: "Warns when an instance name is not a lowercase DNS label",
		Severity:    SeverityWarning,
		Tags:        []string{"naming", "conventions"},
		Rego: `package instanced.admission.naming

import rego.v1

deny contains violation if {
	name := input.request.name
	not regex.match("^[a-z0-9]([-a-z0-9]{0,61}[a-z0-9])?$", name)
	violation := {
		"message": sprintf("instance name '%s' is not a lowercase DNS label", [name]),
		"severity": "warning",
	}
}
`,
	})
}

// remoteAddressPolicy warns about remote instances reached over plain HTTP.
func remoteAddressPolicy() Policy {
	return builtin(Policy{
		Name:        "remote-address",
		Description: "Warns when a remote instance is not reached over https",
		Severity:    SeverityWarning,
		Tags:        []string{"security", "transport"},
		Rego: `package instanced.admission.transport

import rego.v1

deny contains violation if {
	input.request.kind == "remote"
	address := input.request.address
	not startswith(address, "https://")
	violation := {
		"message": sprintf("remote address '%s' does not use https", [address]),
		"severity": "warning",
	}
}
`,
	})
}

// cloudProfileBoundsPolicy rejects cloud profiles beyond the platform bounds.
func cloudProfileBoundsPolicy() Policy {
	return builtin(Policy{
		Name:        "cloud-profile-bounds",
		Description: "Rejects cloud instances whose profile exceeds platform bounds",
		Severity:    SeverityError,
		Tags:        []string{"cloud", "capacity"},
		Rego: `package instanced.admission.bounds

import rego.v1

deny contains violation if {
	input.request.kind == "cloud"
	profile := input.request.profile
	profile.memory_mib > 8192
	violation := {
		"message": sprintf("profile '%s' requests %d MiB, above the 8192 MiB limit", [profile.name, profile.memory_mib]),
		"severity": "error",
	}
}

deny contains violation if {
	input.request.kind == "cloud"
	profile := input.request.profile
	profile.max_scale > 100
	violation := {
		"message": sprintf("profile '%s' scales to %d containers, above the limit of 100", [profile.name, profile.max_scale]),
		"severity": "error",
	}
}
`,
	})
}

// tenantQuotaPolicy applies per-tenant quotas from data.tenants.
func tenantQuotaPolicy() Policy {
	return builtin(Policy{
		Name:        "tenant-quota",
		Description: "Applies per-tenant instance quotas and suspension from policy data",
		Severity:    SeverityError,
		Tags:        []string{"quota", "tenancy"},
		Rego: `package instanced.admission.quota

import rego.v1

max_instances := n if {
	n := data.tenants[input.request.owner_id].max_instances[input.request.kind]
}

deny contains violation if {
	data.tenants[input.request.owner_id].suspended == true
	violation := {
		"message": sprintf("tenant '%s' is suspended", [input.request.owner_id]),
		"severity": "critical",
	}
}
`,
	})
}

// allowedRegionsPolicy restricts cloud instances to data.regions.allowed.
func allowedRegionsPolicy() Policy {
	return builtin(Policy{
		Name:        "allowed-regions",
		Description: "Restricts cloud instances to the allowed regions, when any are configured",
		Severity:    SeverityError,
		Tags:        []string{"cloud", "compliance"},
		Rego: `package instanced.admission.regions

import rego.v1

deny contains violation if {
	input.request.kind == "cloud"
	count(data.regions.allowed) > 0
	region := input.request.region
	not region in data.regions.allowed
	violation := {
		"message": sprintf("region '%s' is not allowed", [region]),
		"severity": "error",
	}
}
`,
	})
}
