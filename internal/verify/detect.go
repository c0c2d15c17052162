package verify

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/ternarybob/foreman/internal/models"
)

// DetectProjectTypes inspects marker files in the working directory and
// returns the detected project types, e.g. ["typescript", "node", "react"].
func DetectProjectTypes(workingDir string) []string {
	var types []string

	if fileExists(workingDir, "tsconfig.json") {
		types = append(types, "typescript")
	}
	if fileExists(workingDir, "package.json") {
		types = append(types, "node")
		if deps := readPackageDependencies(workingDir); deps["react"] {
			types = append(types, "react")
		}
	}

	if fileExists(workingDir, "setup.py") || fileExists(workingDir, "pyproject.toml") {
		types = append(types, "python")
	}
	if fileExists(workingDir, "requirements.txt") {
		types = append(types, "python")
	}
	if fileExists(workingDir, "pytest.ini") || fileExists(workingDir, "tox.ini") {
		types = append(types, "python-test")
	}

	if fileExists(workingDir, "go.mod") {
		types = append(types, "go")
	}
	if fileExists(workingDir, "Cargo.toml") {
		types = append(types, "rust")
	}

	return types
}

// DefaultHooks synthesizes the verification hooks for the detected project
// types. The worker calls this when auto-verify is on and the task supplies
// no hooks of its own.
func DefaultHooks(projectTypes []string, workingDir string) []models.Hook {
	var hooks []models.Hook
	has := map[string]bool{}
	for _, t := range projectTypes {
		has[t] = true
	}

	if has["typescript"] {
		hooks = append(hooks, models.Hook{
			Command:     "npx tsc --noEmit",
			Description: "TypeScript compilation check",
			FailOnError: true,
		})
	}

	if has["node"] && hasESLintConfig(workingDir) {
		hooks = append(hooks, models.Hook{
			Command:     "npx eslint . --ext .js,.jsx,.ts,.tsx",
			Description: "ESLint check",
			FailOnError: false, // Lint warnings should not always fail tasks
		})
	}

	if has["node"] && hasTestScript(workingDir) {
		hooks = append(hooks, models.Hook{
			Command:     "npm test",
			Description: "Run test suite",
			Timeout:     600,
			FailOnError: true,
		})
	}

	if has["python"] {
		if fileExists(workingDir, "mypy.ini") || fileExists(workingDir, "setup.cfg") {
			hooks = append(hooks, models.Hook{
				Command:     "python3 -m mypy .",
				Description: "Python type checking (mypy)",
				FailOnError: false,
			})
		}
		if fileExists(workingDir, "pyproject.toml") {
			hooks = append(hooks, models.Hook{
				Command:     "python3 -m black --check .",
				Description: "Python formatting check (black)",
				FailOnError: false,
			})
		}
	}

	if has["python-test"] {
		hooks = append(hooks, models.Hook{
			Command:     "python3 -m pytest",
			Description: "Run Python tests (pytest)",
			Timeout:     600,
			FailOnError: true,
		})
	}

	if has["go"] {
		hooks = append(hooks,
			models.Hook{
				Command:     "go build ./...",
				Description: "Go build check",
				FailOnError: true,
			},
			models.Hook{
				Command:     "go test ./...",
				Description: "Run Go tests",
				Timeout:     600,
				FailOnError: true,
			},
		)
	}

	if has["rust"] {
		hooks = append(hooks,
			models.Hook{
				Command:     "cargo check",
				Description: "Rust check",
				FailOnError: true,
			},
			models.Hook{
				Command:     "cargo test",
				Description: "Run Rust tests",
				Timeout:     600,
				FailOnError: true,
			},
		)
	}

	return hooks
}

func fileExists(dir, name string) bool {
	_, err := os.Stat(filepath.Join(dir, name))
	return err == nil
}

func hasESLintConfig(workingDir string) bool {
	for _, name := range []string{".eslintrc.js", ".eslintrc.json", ".eslintrc"} {
		if fileExists(workingDir, name) {
			return true
		}
	}
	return false
}

func hasTestScript(workingDir string) bool {
	deps := readPackageJSON(workingDir)
	if deps == nil {
		return false
	}
	scripts, ok := deps["scripts"].(map[string]interface{})
	if !ok {
		return false
	}
	_, ok = scripts["test"]
	return ok
}

func readPackageJSON(workingDir string) map[string]interface{} {
	data, err := os.ReadFile(filepath.Join(workingDir, "package.json"))
	if err != nil {
		return nil
	}
	var pkg map[string]interface{}
	if err := json.Unmarshal(data, &pkg); err != nil {
		return nil
	}
	return pkg
}

func readPackageDependencies(workingDir string) map[string]bool {
	pkg := readPackageJSON(workingDir)
	deps := map[string]bool{}
	for _, section := range []string{"dependencies", "devDependencies"} {
		m, ok := pkg[section].(map[string]interface{})
		if !ok {
			continue
		}
		for name := range m {
			deps[name] = true
		}
	}
	return deps
}
