package migrations

import (
	"bufio"
	"fmt"
	"io/fs"
	"regexp"
	"sort"
	"strings"
)

var (
	createTable = regexp.MustCompile(`(?i)^CREATE TABLE (?:IF NOT EXISTS )?([a-z_][a-z0-9_]*)\s*\(`)
	addColumn   = regexp.MustCompile(`(?i)^ALTER TABLE ([a-z_][a-z0-9_]*) ADD COLUMN (?:IF NOT EXISTS )?([a-z_][a-z0-9_]*)`)
	columnDef   = regexp.MustCompile(`^([a-z_][a-z0-9_]*)\s`)
)

// Columns reads the up migrations in order and returns the columns each
// table ends up with. Table constraints are not columns and are skipped.
func Columns() (map[string]map[string]bool, error) {
	names, err := fs.Glob(FS, "*.up.sql")
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	tables := make(map[string]map[string]bool)
	for _, name := range names {
		raw, err := fs.ReadFile(FS, name)
		if err != nil {
			return nil, err
		}
		if err := collectColumns(string(raw), tables); err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
	}
	return tables, nil
}

func collectColumns(sql string, tables map[string]map[string]bool) error {
	var current map[string]bool
	sc := bufio.NewScanner(strings.NewReader(sql))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "--") {
			continue
		}
		if current != nil {
			if strings.HasPrefix(line, ")") {
				current = nil
				continue
			}
			upper := strings.ToUpper(line)
			if strings.HasPrefix(upper, "PRIMARY KEY") || strings.HasPrefix(upper, "UNIQUE") ||
				strings.HasPrefix(upper, "CHECK") || strings.HasPrefix(upper, "CONSTRAINT") ||
				strings.HasPrefix(upper, "FOREIGN KEY") {
				continue
			}
			if m := columnDef.FindStringSubmatch(line); m != nil {
				current[m[1]] = true
			}
			continue
		}
		if m := createTable.FindStringSubmatch(line); m != nil {
			current = make(map[string]bool)
			tables[strings.ToLower(m[1])] = current
			continue
		}
		if m := addColumn.FindStringSubmatch(line); m != nil {
			table := strings.ToLower(m[1])
			if tables[table] == nil {
				return fmt.Errorf("alter of unknown table %s", table)
			}
			tables[table][strings.ToLower(m[2])] = true
		}
	}
	return sc.Err()
}
