package session

import (
	"fmt"
	"io/fs"
	"math"
	"strconv"
	"strings"
	"time"
)

// ShellQuote quotes a string for safe use in POSIX shell commands.
func ShellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

// ListNotFound is the exit status of ListCommand when path is not a directory.
const ListNotFound = 3

// ListCommand returns a POSIX shell command that prints a directory listing
// in the format understood by ParseListing. It requires GNU find. Records
// end with NUL and the name is the last field, so names may hold tabs and
// newlines.
func ListCommand(path string) string {
	return fmt.Sprintf(`test -d %[1]s || exit %[2]d; find %[1]s -mindepth 1 -maxdepth 1 -printf '%%s\t%%y\t%%M\t%%T@\t%%f\0'`,
		ShellQuote(path), ListNotFound)
}

// ListError describes a failed ListCommand run. A missing directory wraps
// fs.ErrNotExist.
func ListError(path string, out *Output) error {
	if out.ExitCode == ListNotFound {
		return fmt.Errorf("%s: %w", path, fs.ErrNotExist)
	}
	return fmt.Errorf("cannot list %s: exit code %d: %s", path, out.ExitCode, strings.TrimSpace(out.Stderr))
}

// ParseListing parses the output of ListCommand.
func ParseListing(out string) ([]Entry, error) {
	entries := []Entry{}
	for _, rec := range strings.Split(out, "\x00") {
		if strings.TrimSpace(rec) == "" {
			continue
		}
		fields := strings.SplitN(rec, "\t", 5)
		if len(fields) < 5 || fields[4] == "" {
			return nil, fmt.Errorf("malformed listing record: %q", rec)
		}

		size, err := strconv.ParseInt(fields[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed size in %q: %w", rec, err)
		}
		ts, err := strconv.ParseFloat(fields[3], 64)
		if err != nil {
			return nil, fmt.Errorf("malformed timestamp in %q: %w", rec, err)
		}
		sec, frac := math.Modf(ts)

		entries = append(entries, Entry{
			Name:    fields[4],
			Size:    size,
			IsDir:   fields[1] == "d",
			Mode:    fields[2],
			ModTime: time.Unix(int64(sec), int64(frac*1e9)).UTC(),
		})
	}
	return entries, nil
}
