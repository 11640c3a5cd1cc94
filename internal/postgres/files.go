package postgres

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	overrideDirName  = "conf.d"
	overrideFileName = "99_tuneagent.conf"
	pgStatsFileName  = "99_tuneagent_pg_stats.conf"
	baseConfFileName = "postgresql.conf"
	includeDirLine   = "include_dir = 'conf.d'"
)

// layout locates the files the agent owns next to postgresql.conf.
type layout struct {
	confDir string
}

func (l layout) overrideDir() string  { return filepath.Join(l.confDir, overrideDirName) }
func (l layout) overrideFile() string { return filepath.Join(l.overrideDir(), overrideFileName) }
func (l layout) pgStatsFile() string  { return filepath.Join(l.overrideDir(), pgStatsFileName) }
func (l layout) baseConf() string     { return filepath.Join(l.confDir, baseConfFileName) }

// prepare creates conf.d and makes postgresql.conf include it. The include
// line is appended at most once.
func (l layout) prepare() error {
	if info, err := os.Stat(l.confDir); err != nil {
		return fmt.Errorf("config directory: %w", err)
	} else if !info.IsDir() {
		return fmt.Errorf("config directory %s is not a directory", l.confDir)
	}
	if err := os.MkdirAll(l.overrideDir(), 0o755); err != nil {
		return fmt.Errorf("create %s: %w", l.overrideDir(), err)
	}

	data, err := os.ReadFile(l.baseConf())
	if err != nil {
		return fmt.Errorf("read %s: %w", baseConfFileName, err)
	}
	if hasIncludeDir(data) {
		return nil
	}
	f, err := os.OpenFile(l.baseConf(), os.O_APPEND|os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("open %s: %w", baseConfFileName, err)
	}
	defer f.Close()
	line := includeDirLine + "\n"
	if len(data) > 0 && data[len(data)-1] != '\n' {
		line = "\n" + line
	}
	if _, err := f.WriteString(line); err != nil {
		return fmt.Errorf("append include_dir: %w", err)
	}
	return nil
}

func hasIncludeDir(data []byte) bool {
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.Index(line, "#"); i >= 0 {
			line = strings.TrimSpace(line[:i])
		}
		compact := strings.Join(strings.Fields(line), "")
		if compact == "include_dir='conf.d'" || compact == `include_dir="conf.d"` || compact == "include_dir=conf.d" {
			return true
		}
	}
	return false
}

// writeAtomic replaces path with data via a temp file in the same
// directory and a rename.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+"-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return err
	}
	return nil
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
