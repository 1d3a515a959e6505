// Package ci detects the CI system the agent runs in and collects the
// environment variables describing the build.
package ci

import (
	"strings"

	"github.com/raphi011/relay/internal/model"
)

type provider struct {
	ciType   string
	marker   string
	prefixes []string
}

var providers = []provider{
	{
		ciType: "JENKINS",
		marker: "JENKINS_URL",
		prefixes: []string{
			"CVS_", "SVN_", "GIT_", "NODE_", "EXECUTOR_NUMBER", "JENKINS_",
			"JOB_", "BUILD_", "ROOT_BUILD_", "RUN_", "WORKSPACE",
		},
	},
	{
		ciType:   "TEAM_CITY",
		marker:   "TEAMCITY_VERSION",
		prefixes: []string{"BUILD_", "HOSTNAME", "SERVER_URL", "TEAMCITY_"},
	},
	{
		ciType:   "CIRCLE_CI",
		marker:   "CIRCLECI",
		prefixes: []string{"CIRCLE", "HOSTNAME"},
	},
	{
		ciType:   "TRAVIS_CI",
		marker:   "TRAVIS",
		prefixes: []string{"TRAVIS", "USER"},
	},
}

// Detect returns the context of the first CI system whose marker variable is
// set in environ (as returned by os.Environ), or nil.
func Detect(environ []string) *model.CIContext {
	env := map[string]string{}
	for _, kv := range environ {
		k, v, _ := strings.Cut(kv, "=")
		env[k] = v
	}

	for _, p := range providers {
		if _, ok := env[p.marker]; !ok {
			continue
		}

		vars := map[string]string{}
		for k, v := range env {
			if hasAnyPrefix(k, p.prefixes) {
				vars[k] = v
			}
		}

		return &model.CIContext{CIType: p.ciType, EnvVariables: vars}
	}

	return nil
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}

	return false
}
