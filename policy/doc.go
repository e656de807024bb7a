// Package policy defines the typed description of what a sandboxed run
// is allowed to do.
//
// A Policy is an immutable value object covering filesystem mounts,
// network access, resource ceilings, and user/group mappings. Validation
// is a pure function with no side effects; a Policy that passes Validate
// can be handed to the sandbox package unchanged.
package policy
