package spawnplan

import "github.com/sijucj/dbyard/pkg/pathutil"

// DefaultIdentity derives a service identity from an artifact's
// root-relative path (spec.md §3: "stable identifier ... derived from the
// artifact's path relative to its root (without file extension),
// normalized with forward slashes").
func DefaultIdentity(relSlash string) string {
	return pathutil.StripExt(relSlash)
}

// DefaultProxyPrefix derives the default proxy prefix from a service
// identity (spec.md §3: "Default: derived from service identity").
func DefaultProxyPrefix(identity string) string {
	return pathutil.NormalizeBasePath("/" + identity)
}
