package sandbox

import (
	"os"
	"sort"

	"github.com/toolgate-io/toolgate/internal/config"
)

// buildEnv constructs the child environment. Unless the policy opts into
// inheritance, the parent's environment is NEVER passed through — this keeps
// API keys and credentials out of sandboxed servers. The definition's own
// variables are always applied last, with ${VAR} references expanded from the
// parent environment so secrets can be injected deliberately.
func buildEnv(def config.ServerDefinition, scratchDir string) []string {
	var env []string
	if def.Sandbox.InheritEnv {
		env = os.Environ()
	} else {
		env = []string{
			"PATH=/usr/local/bin:/usr/bin:/bin",
			"HOME=" + scratchDir,
			"TMPDIR=" + scratchDir,
			"LANG=en_US.UTF-8",
			"TERM=dumb",
		}
	}

	keys := make([]string, 0, len(def.Env))
	for k := range def.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+os.ExpandEnv(def.Env[k]))
	}
	return env
}
