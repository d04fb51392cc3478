// Package permission compares the capabilities an agent requires against the
// capabilities granted by its execution context.
package permission

import (
	"path/filepath"
	"strings"

	"github.com/kandev/nexus/internal/common/errors"
	v1 "github.com/kandev/nexus/pkg/api/v1"
)

type check struct {
	required func(v1.Permissions) bool
	message  string
}

// Checked in this order so the first unmet flag is always the one reported.
var checks = []check{
	{func(p v1.Permissions) bool { return p.ReadFiles }, "File read permission required"},
	{func(p v1.Permissions) bool { return p.WriteFiles }, "File write permission required"},
	{func(p v1.Permissions) bool { return p.ExecuteCommands }, "Command execution permission required"},
	{func(p v1.Permissions) bool { return p.NetworkAccess }, "Network access permission required"},
	{func(p v1.Permissions) bool { return p.Web3Access }, "Web3 access permission required"},
}

// Evaluate returns PERMISSION_DENIED naming the first flag set in required
// but not in granted.
func Evaluate(required, granted v1.Permissions) error {
	for _, c := range checks {
		if c.required(required) && !c.required(granted) {
			return errors.PermissionDenied(c.message)
		}
	}
	return nil
}

// CheckPaths enforces granted.AllowedPaths for agents that need file access.
// With an empty list the flags alone gate file access.
func CheckPaths(required, granted v1.Permissions, workingDir string) error {
	if !required.RequiresFileAccess() || len(granted.AllowedPaths) == 0 {
		return nil
	}
	if workingDir == "" {
		return errors.PermissionDenied("working directory required when allowed paths are set")
	}
	if !PathAllowed(workingDir, granted.AllowedPaths) {
		return errors.PermissionDenied("working directory '" + workingDir + "' is outside allowed paths")
	}
	return nil
}

// PathAllowed reports whether path is equal to or nested under one of allowed.
func PathAllowed(path string, allowed []string) bool {
	clean := filepath.Clean(path)
	for _, a := range allowed {
		root := filepath.Clean(a)
		if clean == root {
			return true
		}
		if root == string(filepath.Separator) || strings.HasPrefix(clean, root+string(filepath.Separator)) {
			return true
		}
	}
	return false
}
