package acme

import "strings"

const (
	placeholderConfigDir = ":configDir"
	placeholderHostname  = ":hostname"
)

// PathContext carries the values substituted into path templates.
type PathContext struct {
	ConfigDir string
	Hostname  string
	Home      string
}

// ResolvePath expands a path template. A leading "~" becomes ctx.Home and every
// ":configDir" and ":hostname" occurrence is replaced. Templates without
// placeholders are returned unchanged. It never fails: unknown tokens are left as is.
func ResolvePath(template string, ctx PathContext) string {
	p := expandHome(template, ctx.Home)
	p = strings.ReplaceAll(p, placeholderConfigDir, ctx.ConfigDir)
	p = strings.ReplaceAll(p, placeholderHostname, ctx.Hostname)
	return p
}

func expandHome(p, home string) string {
	if home == "" || !strings.HasPrefix(p, "~") {
		return p
	}
	return home + p[1:]
}
