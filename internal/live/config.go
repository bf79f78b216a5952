// Copyright (C) 2020 Markus L. Noga
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package live

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/Kanma/astrophoto-toolbox/internal/xerrors"
)

// config is the parsed contents of stacking.txt (spec.md §6).
type config struct {
	darkPaths  []string
	lightPaths []string
	refIndex   *int
}

// parseConfig reads stacking.txt's section-based format: DARKFRAMES and
// LIGHTFRAMES sections each terminated by a "---" line; within
// LIGHTFRAMES, a "REF <index>" line sets the reference. Unknown section
// headers are ignored until the next "---" (spec.md §6).
func parseConfig(r *bufio.Scanner) (*config, error) {
	cfg := &config{}
	section := ""
	for r.Scan() {
		line := r.Text()
		if line == "" {
			return nil, fmt.Errorf("live: stacking.txt: blank lines are not permitted: %w", xerrors.ErrFormat)
		}
		if line == "---" {
			section = ""
			continue
		}
		switch section {
		case "":
			switch line {
			case "DARKFRAMES", "LIGHTFRAMES":
				section = line
			default:
				section = "ignored"
			}
		case "DARKFRAMES":
			cfg.darkPaths = append(cfg.darkPaths, line)
		case "LIGHTFRAMES":
			if strings.HasPrefix(line, "REF ") {
				idx, err := strconv.Atoi(strings.TrimSpace(line[4:]))
				if err != nil || idx < 0 {
					return nil, fmt.Errorf("live: stacking.txt: invalid REF line %q: %w", line, xerrors.ErrFormat)
				}
				cfg.refIndex = &idx
			} else {
				cfg.lightPaths = append(cfg.lightPaths, line)
			}
		case "ignored":
			// skip until next ---
		}
	}
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("live: stacking.txt: %w", xerrors.ErrIO)
	}
	return cfg, nil
}

func loadConfigFile(path string) (*config, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &config{}, nil
		}
		return nil, fmt.Errorf("live: open %s: %w", path, xerrors.ErrIO)
	}
	defer f.Close()
	return parseConfig(bufio.NewScanner(f))
}

func saveConfigFile(path string, cfg *config) error {
	var sb strings.Builder
	sb.WriteString("DARKFRAMES\n")
	for _, p := range cfg.darkPaths {
		sb.WriteString(p)
		sb.WriteString("\n")
	}
	sb.WriteString("---\n")
	sb.WriteString("LIGHTFRAMES\n")
	for _, p := range cfg.lightPaths {
		sb.WriteString(p)
		sb.WriteString("\n")
	}
	if cfg.refIndex != nil {
		fmt.Fprintf(&sb, "REF %d\n", *cfg.refIndex)
	}
	sb.WriteString("---\n")

	if err := os.WriteFile(path, []byte(sb.String()), 0644); err != nil {
		return fmt.Errorf("live: write %s: %w", path, xerrors.ErrIO)
	}
	return nil
}
