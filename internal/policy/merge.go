package policy

// Merge combines a child layer on top of a parent layer. List fields use
// StringList's Set flag to decide union-vs-replace: an omitted field
// (Set == false) unions with the parent; an explicitly set field (even an
// empty list) replaces the parent outright, applied uniformly across every
// list-shaped field (fs/network/env/imports sections).
//
// Scalar fields: child wins when non-zero. Map fields (external, tasks):
// child entries override parent entries by key, union otherwise.
func Merge(parent, child Document) Document {
	merged := Document{
		Preset: child.Preset,
	}
	if merged.Preset == "" {
		merged.Preset = parent.Preset
	}

	merged.Permissions = Permissions{
		Read:  mergeList(parent.Permissions.Read, child.Permissions.Read),
		Write: mergeList(parent.Permissions.Write, child.Permissions.Write),
		Net:   mergeList(parent.Permissions.Net, child.Permissions.Net),
		Run:   mergeList(parent.Permissions.Run, child.Permissions.Run),
		Env:   mergeList(parent.Permissions.Env, child.Permissions.Env),
	}

	merged.Env = EnvRules{
		Allow: mergeList(parent.Env.Allow, child.Env.Allow),
		Mask:  mergeList(parent.Env.Mask, child.Env.Mask),
	}

	merged.Imports = ImportRules{
		Trusted: mergeList(parent.Imports.Trusted, child.Imports.Trusted),
		Allowed: mergeList(parent.Imports.Allowed, child.Imports.Allowed),
		Blocked: mergeList(parent.Imports.Blocked, child.Imports.Blocked),
	}

	merged.External = mergeExternal(parent.External, child.External)
	merged.Tasks = mergeTasks(parent.Tasks, child.Tasks)

	merged.TimeoutMS = child.TimeoutMS
	if merged.TimeoutMS == 0 {
		merged.TimeoutMS = parent.TimeoutMS
	}

	merged.ProjectDir = firstNonEmpty(child.ProjectDir, parent.ProjectDir)
	merged.WorkspaceDir = firstNonEmpty(child.WorkspaceDir, parent.WorkspaceDir)
	merged.AllowProjectCommands = parent.AllowProjectCommands || child.AllowProjectCommands

	return merged
}

func mergeList(parent, child StringList) StringList {
	if child.Set {
		return child
	}
	if !parent.Set {
		return StringList{}
	}
	return parent
}

func mergeExternal(parent, child map[string]ExternalCommand) map[string]ExternalCommand {
	if len(parent) == 0 && len(child) == 0 {
		return nil
	}
	merged := make(map[string]ExternalCommand, len(parent)+len(child))
	for k, v := range parent {
		merged[k] = v
	}
	for k, v := range child {
		merged[k] = v
	}
	return merged
}

func mergeTasks(parent, child map[string]Task) map[string]Task {
	if len(parent) == 0 && len(child) == 0 {
		return nil
	}
	merged := make(map[string]Task, len(parent)+len(child))
	for k, v := range parent {
		merged[k] = v
	}
	for k, v := range child {
		merged[k] = v
	}
	return merged
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
