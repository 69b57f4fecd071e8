package pipeline

import (
	"maps"
	"path/filepath"

	"github.com/racai-ai/saroj/constants"
)

// Context holds the variables a task's steps exchange: scalars such as the
// case id and paths of working files. Bindings are only ever added.
type Context struct {
	workDir string
	vars    map[string]string
}

// NewContext seeds a context for one task.
func NewContext(workDir, caseID, docID, caseMapPath string) *Context {
	return &Context{
		workDir: workDir,
		vars: map[string]string{
			constants.VarCaseID:  caseID,
			constants.VarDocID:   docID,
			constants.VarDocx:    filepath.Join(workDir, constants.InputFileName),
			constants.VarCaseMap: caseMapPath,
			constants.VarOutput:  filepath.Join(workDir, constants.OutputFileName),
		},
	}
}

// Resolve returns the value bound to name, binding a fresh working file path
// first when name is not known yet.
func (c *Context) Resolve(name string) string {
	if v, ok := c.vars[name]; ok {
		return v
	}
	v := filepath.Join(c.workDir, name)
	c.vars[name] = v
	return v
}

// Lookup returns a binding without creating one.
func (c *Context) Lookup(name string) (string, bool) {
	v, ok := c.vars[name]
	return v, ok
}

// Args resolves every argument of a step into the request payload.
func (c *Context) Args(step Step) map[string]string {
	out := make(map[string]string, len(step.Args))
	for _, a := range step.Args {
		out[a.Key] = c.Resolve(a.Value)
	}
	return out
}

// Vars returns a copy of the current bindings.
func (c *Context) Vars() map[string]string {
	return maps.Clone(c.vars)
}
