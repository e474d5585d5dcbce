package spawnplan

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/mgutz/str"
	"github.com/spkg/bom"
)

// Overrides holds the per-artifact configuration recognized by the spawn
// planner (spec.md §4.3): spawn-driver, instance.id, listen.host,
// listen.port, <kind>.bin, <kind>.args, <kind>.env, and a free-form .env
// block. The predicate that reads these out of an artifact's own
// structure (a reserved SQLite table, a sidecar file, …) is pluggable;
// this package only parses the flattened KEY=VALUE representation once
// some upstream reader has produced it.
type Overrides struct {
	raw map[string]string
	env map[string]string
}

// ParseOverrides parses a newline-separated KEY=VALUE block into
// Overrides, expanding a ".env" key (if present) into additional free-form
// environment entries. Lines may be prefixed with "export ", and values
// may be double- or single-quoted with standard backslash escapes.
func ParseOverrides(block string) (Overrides, error) {
	raw, err := parseKeyValueBlock(block)
	if err != nil {
		return Overrides{}, err
	}

	env := map[string]string{}
	if envBlock, ok := raw[".env"]; ok {
		nested, err := parseKeyValueBlock(envBlock)
		if err != nil {
			return Overrides{}, fmt.Errorf("spawnplan: parsing .env block: %w", err)
		}
		env = nested
	}

	return Overrides{raw: raw, env: env}, nil
}

// LoadOverridesFromSidecar reads a BOM-tolerant sidecar file (if present)
// next to an artifact and parses it with ParseOverrides. Absence of the
// sidecar is not an error: it returns an empty Overrides.
func LoadOverridesFromSidecar(path string) (Overrides, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Overrides{}, nil
		}
		return Overrides{}, err
	}
	defer f.Close()

	content, err := bomReadAll(f)
	if err != nil {
		return Overrides{}, err
	}
	return ParseOverrides(string(content))
}

func bomReadAll(f *os.File) ([]byte, error) {
	r := bom.NewReader(f)
	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 4096)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return buf, err
		}
		if n == 0 {
			break
		}
	}
	return buf, nil
}

func parseKeyValueBlock(block string) (map[string]string, error) {
	out := map[string]string{}
	for _, line := range strings.Split(block, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		idx := strings.Index(line, "=")
		if idx < 0 {
			return nil, fmt.Errorf("spawnplan: malformed override line %q", line)
		}
		key := strings.TrimSpace(line[:idx])
		val := strings.TrimSpace(line[idx+1:])
		unquoted, err := unquote(val)
		if err != nil {
			return nil, fmt.Errorf("spawnplan: override %q: %w", key, err)
		}
		out[key] = unquoted
	}
	return out, nil
}

func unquote(v string) (string, error) {
	if len(v) >= 2 && (v[0] == '"' || v[0] == '\'') && v[len(v)-1] == v[0] {
		quote := v[0]
		inner := v[1 : len(v)-1]
		if quote == '\'' {
			return inner, nil
		}
		unescaped, err := strconv.Unquote(`"` + strings.ReplaceAll(inner, `"`, `\"`) + `"`)
		if err != nil {
			// fall back to a permissive manual unescape for sequences
			// strconv.Unquote is stricter about (e.g. stray backslashes).
			return manualUnescape(inner), nil
		}
		return unescaped, nil
	}
	return v, nil
}

func manualUnescape(s string) string {
	replacer := strings.NewReplacer(`\n`, "\n", `\t`, "\t", `\"`, `"`, `\\`, `\`)
	return replacer.Replace(s)
}

// Has reports whether a recognized key is present.
func (o Overrides) Has(key string) bool {
	_, ok := o.raw[key]
	return ok
}

func (o Overrides) get(key string) (string, bool) {
	v, ok := o.raw[key]
	return v, ok
}

// SpawnDriver returns an explicit kind override ("spawn-driver"), if set.
func (o Overrides) SpawnDriver() (string, bool) { return o.get("spawn-driver") }

// InstanceID returns an explicit identity override ("instance.id"), if set.
func (o Overrides) InstanceID() (string, bool) { return o.get("instance.id") }

// ListenHost returns a "listen.host" override, if set.
func (o Overrides) ListenHost() (string, bool) { return o.get("listen.host") }

// ListenPort returns a "listen.port" override, if set and numeric.
func (o Overrides) ListenPort() (int, bool) {
	v, ok := o.get("listen.port")
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Bin returns "<kind>.bin", if set.
func (o Overrides) Bin(kind string) (string, bool) { return o.get(kind + ".bin") }

// Args returns "<kind>.args" split with shell-like quoting rules
// (mgutz/str.ToArgv, the same argv splitter the teacher uses for its own
// command strings in pkg/commands/os.go).
func (o Overrides) Args(kind string) ([]string, bool) {
	v, ok := o.get(kind + ".args")
	if !ok || strings.TrimSpace(v) == "" {
		return nil, ok
	}
	return str.ToArgv(v), true
}

// KindEnv returns "<kind>.env", parsed as a nested KEY=VALUE block, if set.
func (o Overrides) KindEnv(kind string) (map[string]string, error) {
	v, ok := o.get(kind + ".env")
	if !ok {
		return nil, nil
	}
	return parseKeyValueBlock(v)
}

// FreeEnv returns the free-form ".env" block entries.
func (o Overrides) FreeEnv() map[string]string {
	return o.env
}

// ProbeDisabled reports whether "probe.skip" was set to a truthy value,
// opting an artifact out of the post-spawn reachability probe (spec.md §5).
func (o Overrides) ProbeDisabled() bool {
	v, ok := o.get("probe.skip")
	if !ok {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes":
		return true
	default:
		return false
	}
}
