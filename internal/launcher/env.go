package launcher

import (
	"fmt"
	"os"
	"sort"

	"github.com/joho/godotenv"
)

// sanitizedEnv builds the worker environment from scratch rather than
// inheriting the server's. It carries PATH, everything from the configured
// .env file, and GH_TOKEN when a GitHub PAT is configured. Server-only
// secrets never leak into workers.
func (l *Launcher) sanitizedEnv() ([]string, error) {
	vars := map[string]string{
		"PATH": os.Getenv("PATH"),
	}

	if l.cfg.EnvFile != "" {
		fileVars, err := godotenv.Read(l.cfg.EnvFile)
		switch {
		case err == nil:
			for k, v := range fileVars {
				vars[k] = v
			}
		case os.IsNotExist(err):
			// Workers run with PATH alone.
		default:
			return nil, fmt.Errorf("reading env file %s: %w", l.cfg.EnvFile, err)
		}
	}

	if l.cfg.GitHubPAT != "" {
		vars["GH_TOKEN"] = l.cfg.GitHubPAT
	}

	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+vars[k])
	}
	return env, nil
}
