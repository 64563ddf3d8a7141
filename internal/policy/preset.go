package policy

// presetBaseline returns the built-in Document for a named preset. Each
// preset is a coarse filesystem/command/net permission baseline, distinct
// from sandbox.Level's isolation dial (namespaces/seccomp/cgroups) —
// a preset decides WHAT a session may touch, Level decides HOW that
// boundary gets enforced on the host.
func presetBaseline(p Preset) Document {
	switch p {
	case PresetPermissive:
		return Document{
			Permissions: Permissions{
				Read:  setList("~", "${CWD}"),
				Write: setList("${CWD}"),
				Net:   setList("*"),
				Run:   setList(),
			},
			Env: EnvRules{
				Allow: setList("PATH", "HOME", "LANG", "TERM", "USER"),
			},
			Imports: ImportRules{
				Allowed: setList("*"),
			},
			TimeoutMS: 120_000,
		}
	case PresetStandard:
		return Document{
			Permissions: Permissions{
				Read:  setList("${CWD}"),
				Write: setList("${CWD}"),
				Net:   setList(),
				Run:   setList(),
			},
			Env: EnvRules{
				Allow: setList("PATH", "HOME", "LANG", "TERM"),
			},
			Imports: ImportRules{
				Allowed: setList(),
			},
			TimeoutMS: 30_000,
		}
	case PresetStrict:
		fallthrough
	default:
		return Document{
			Permissions: Permissions{
				Read:  setList("${CWD}"),
				Write: setList(),
				Net:   setList(),
				Run:   setList(),
			},
			Env: EnvRules{
				Allow: setList("PATH"),
			},
			Imports: ImportRules{
				Allowed: setList(),
			},
			TimeoutMS: 10_000,
		}
	}
}

func setList(values ...string) StringList {
	if len(values) == 0 {
		values = []string{}
	}
	return StringList{Set: true, Values: values}
}
