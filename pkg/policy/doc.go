// Package policy decides instance admission with Open Policy Agent.
//
// Every policy is a Rego module that may define two rules:
//
//   - deny: a set of violations, each a string or an object with
//     "message" and "severity" keys
//   - max_instances: a number capping the tenant's instances of the
//     requested kind
//
// Violations of severity error or critical deny the admission; info and
// warning violations are logged. When several policies define
// max_instances the smallest positive value wins.
//
// The input document is:
//
//	{
//	  "request": {"owner_id": "...", "kind": "cloud", "name": "...",
//	              "region": "...", "address": "...", "profile": {...}},
//	  "context": {"timestamp": "...", "operation": "create"}
//	}
//
// Policies read operator data from the data document, loaded with
// Engine.SetData. The built-in policies use data.tenants and
// data.regions.allowed:
//
//	{
//	  "tenants": {
//	    "acme": {"max_instances": {"cloud": 3}, "suspended": false}
//	  },
//	  "regions": {"allowed": ["europe-west1"]}
//	}
//
// # Built-in Policies
//
//   - instance-name: warns about names that are not DNS labels
//   - remote-address: warns about remote instances reached over http
//   - cloud-profile-bounds: rejects oversized cloud profiles
//   - tenant-quota: per-tenant quotas and suspension
//   - allowed-regions: restricts cloud regions
//
// # Custom Policies
//
// Custom policies are loaded from .rego or .json files with
// Engine.LoadPolicies and reloaded on change by Engine.Watch. A .rego
// file's leading comments carry its description and may set
// "# severity: warning" and "# tags: a, b".
//
//	# Business hours only.
//	# severity: error
//	package custom.hours
//
//	import rego.v1
//
//	deny contains "cloud instances are created in business hours" if {
//	    input.request.kind == "cloud"
//	    hour := time.clock(time.parse_rfc3339_ns(input.context.timestamp))[0]
//	    not hour in numbers.range(8, 18)
//	}
package policy
