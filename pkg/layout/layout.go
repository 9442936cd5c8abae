// Package layout owns the on-disk directory conventions shared by the
// session store, the progress ledger, the harvester and the CLI pickers.
package layout

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// CookieFileName is the session blob stored in every account directory.
const CookieFileName = "claude_cookies"

// Layout holds the root directories of a workspace.
type Layout struct {
	AccountsDir string
	ConfigsDir  string
	ProgressDir string
	OutputDir   string
	LogsDir     string
}

// Default returns the layout rooted at base using the conventional names.
func Default(base string) Layout {
	return Layout{
		AccountsDir: filepath.Join(base, "accounts"),
		ConfigsDir:  filepath.Join(base, "configs"),
		ProgressDir: filepath.Join(base, "progress_files"),
		OutputDir:   filepath.Join(base, "outputFiles"),
		LogsDir:     filepath.Join(base, "logs"),
	}
}

// AccountDir returns the directory owned by account.
func (l Layout) AccountDir(account string) string {
	return filepath.Join(l.AccountsDir, account)
}

// CookiePath returns the session blob path for account.
func (l Layout) CookiePath(account string) string {
	return filepath.Join(l.AccountDir(account), CookieFileName)
}

// ProgressDirFor returns the ledger directory for an (account, config) pair.
func (l Layout) ProgressDirFor(account, configName string) string {
	return filepath.Join(l.ProgressDir, account+"_"+configName)
}

// OutputDirFor returns the output root of account.
func (l Layout) OutputDirFor(account string) string {
	return filepath.Join(l.OutputDir, account)
}

// ValidateName rejects identifiers that would escape their root directory.
func ValidateName(kind, name string) error {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return fmt.Errorf("%s name is required", kind)
	}
	if trimmed != name || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return fmt.Errorf("invalid %s name %q", kind, name)
	}
	return nil
}

// ListAccounts returns the account directory names, sorted.
func (l Layout) ListAccounts() ([]string, error) {
	entries, err := os.ReadDir(l.AccountsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("read accounts directory %s: %w", l.AccountsDir, err)
	}

	accounts := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			accounts = append(accounts, e.Name())
		}
	}
	sort.Strings(accounts)
	return accounts, nil
}

// ListConfigs returns the paths of config files in ConfigsDir, sorted.
func (l Layout) ListConfigs() ([]string, error) {
	entries, err := os.ReadDir(l.ConfigsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("read configs directory %s: %w", l.ConfigsDir, err)
	}

	configs := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".json", ".yaml", ".yml":
			configs = append(configs, filepath.Join(l.ConfigsDir, e.Name()))
		}
	}
	sort.Strings(configs)
	return configs, nil
}

// EnsureAccount creates the account directory.
func (l Layout) EnsureAccount(account string) error {
	if err := ValidateName("account", account); err != nil {
		return err
	}
	if err := os.MkdirAll(l.AccountDir(account), 0o750); err != nil {
		return fmt.Errorf("create account directory: %w", err)
	}
	return nil
}
