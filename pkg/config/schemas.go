package config

// profileSchema constrains the service profile catalog. Catalog files declare
// profiles under "profiles", keyed by name:
//
//	profiles: standard: {
//		image:      "ghcr.io/acme/runtime:1.4"
//		memory_mib: 1024
//	}
const profileSchema = `
#Profile: {
	name:        string & =~"^[a-z0-9]([-a-z0-9]{0,61}[a-z0-9])?$"
	image:       string & !=""
	memory_mib:  *512 | (int & >=128 & <=32768)
	cpu:         *"1" | (string & =~"^[0-9]+(m)?$")
	concurrency: *80 | (int & >=1 & <=1000)
	max_scale:   *3 | (int & >=0 & <=1000)
	port?:       int & >0 & <=65535
	region?:     string
	env?: [=~"^[A-Z_][A-Z0-9_]*$"]: string
}

profiles: [Name=string]: #Profile & {name: Name}
`
