// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package symbols

import (
	"bufio"
	"bytes"
	"fmt"
	"strconv"

	"github.com/antimetal/vmi/pkg/addr"
)

// kallsymsKinds lists the nm-style type letters worth indexing: text
// (functions), absolute and data symbols. Weak symbols and everything else
// are skipped, matching the original kallsyms reader's filter.
var kallsymsKinds = map[byte]bool{
	'T': true, 't': true, // global/local text
	'A': true, // absolute
	'D': true, // data
}

// LoadKallsyms parses a Linux /proc/kallsyms-style text dump: one symbol
// per line, "<16 hex digits> <space> <type letter> <space> <name>\n". Each
// address is a fixed 16-character lowercase hex field, so the line's 17th
// byte is always the type letter - this follows the fixed-width parse the
// original kallsyms reader uses rather than a general whitespace split, to
// reject malformed lines early.
func LoadKallsyms(data []byte) (*ModuleSymbols, error) {
	b := NewBuilder()
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) < 19 {
			continue
		}
		if line[16] != ' ' || line[18] != ' ' {
			continue
		}
		kind := line[17]
		if !kallsymsKinds[kind] {
			continue
		}
		value, err := strconv.ParseUint(string(line[:16]), 16, 64)
		if err != nil {
			continue
		}
		name := string(line[19:])
		if name == "" {
			continue
		}
		b.AddSymbol(name, addr.GuestVirtAddr(value))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scanning kallsyms: %w", err)
	}
	return b.Build(), nil
}
