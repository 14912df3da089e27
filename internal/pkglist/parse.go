package pkglist

import (
	"bufio"
	"strconv"
	"strings"

	"github.com/1ureka/adbwire/internal/adberr"
)

const linePrefix = "package:"

// Package is one parsed listing line.
type Package struct {
	Name        string `json:"name"`
	Path        string `json:"path,omitempty"`
	VersionCode int64  `json:"versionCode,omitempty"`
	Installer   string `json:"installer,omitempty"`
}

// Parse reads `package:` lines. Blank lines are skipped. A line starting
// "Error:" or containing "Exception" comes from the package manager and
// becomes a RequestFailed error.
func Parse(output string) ([]Package, error) {
	var pkgs []Package
	sc := bufio.NewScanner(strings.NewReader(output))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case line == "":
			continue
		case strings.HasPrefix(line, "Error:"), strings.Contains(line, "Exception"):
			return nil, adberr.Failed(line)
		case !strings.HasPrefix(line, linePrefix):
			continue
		}
		p, err := ParseLine(line)
		if err != nil {
			return nil, err
		}
		pkgs = append(pkgs, p)
	}
	if err := sc.Err(); err != nil {
		return nil, adberr.Wrap(err, "scan package list")
	}
	return pkgs, nil
}

// ParseLine parses a single entry, with or without the "package:" prefix.
//
//	package:com.example
//	package:/data/app/~~x==/com.example-1/base.apk=com.example
//	package:com.example versionCode:42
//	package:com.example  installer=com.android.vending
func ParseLine(line string) (Package, error) {
	fields := strings.Fields(strings.TrimPrefix(strings.TrimSpace(line), linePrefix))
	if len(fields) == 0 {
		return Package{}, adberr.Protocolf("empty package entry %q", line)
	}

	var p Package
	first := fields[0]
	if i := strings.LastIndex(first, "="); i > 0 && strings.HasPrefix(first, "/") {
		p.Path, p.Name = first[:i], first[i+1:]
	} else {
		p.Name = first
	}

	for _, f := range fields[1:] {
		switch {
		case strings.HasPrefix(f, "versionCode:"):
			v, err := strconv.ParseInt(strings.TrimPrefix(f, "versionCode:"), 10, 64)
			if err != nil {
				return Package{}, adberr.Conversionf(err, "versionCode in %q", line)
			}
			p.VersionCode = v
		case strings.HasPrefix(f, "installer="):
			if inst := strings.TrimPrefix(f, "installer="); inst != "null" {
				p.Installer = inst
			}
		}
	}
	return p, nil
}
