// Package buildinfo holds build-time metadata injected through ldflags.
package buildinfo

import "fmt"

// UnknownValue is returned for metadata that was not set at build time.
const UnknownValue = "unknown"

// Context carries build metadata. It is not part of the user configuration.
type Context struct {
	version   string
	buildDate string
	commit    string
}

// NewContext creates a Context. Empty values read back as UnknownValue.
func NewContext(version, buildDate, commit string) *Context {
	return &Context{version: version, buildDate: buildDate, commit: commit}
}

func orUnknown(c *Context, pick func(*Context) string) string {
	if c == nil {
		return UnknownValue
	}
	if v := pick(c); v != "" {
		return v
	}
	return UnknownValue
}

// Version returns the release tag.
func (c *Context) Version() string {
	return orUnknown(c, func(c *Context) string { return c.version })
}

// BuildDate returns when the binary was built.
func (c *Context) BuildDate() string {
	return orUnknown(c, func(c *Context) string { return c.buildDate })
}

// Commit returns the source revision.
func (c *Context) Commit() string {
	return orUnknown(c, func(c *Context) string { return c.commit })
}

// String formats the metadata for the version command.
func (c *Context) String() string {
	return fmt.Sprintf("frostytrail %s (commit %s, built %s)", c.Version(), c.Commit(), c.BuildDate())
}
