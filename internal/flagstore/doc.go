// Package flagstore provides toolbox.FlagStore backends.
//
// Flags are addressed by toolbox.FlagRef and hold raw JSON values. All backends
// keep at most one value per (entity, scope, key) and treat Unset of an absent
// flag as success.
package flagstore
