// Package fingerprint computes the deterministic 256-bit digest that
// identifies one hook invocation's inputs. It generalizes the
// truncated-hash helpers the teacher scatters across internal/pkg
// (crypto.HashString, fsutil.HashFile) into a single full-digest
// algorithm: this package never truncates, since a cache-key collision
// here silently serves a stale result instead of merely wasting
// hex-string space.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"
)

// maxParallelFileHashes bounds how many tracked files are opened and
// hashed concurrently while resolving one fingerprint, mirroring the
// teacher's errgroup.WithContext prefetch in executor.Executor.Invoke
// (runtime config + layer fetch run concurrently, bounded by the
// number of independent sub-fetches rather than an explicit semaphore).
const maxParallelFileHashes = 8

// Inputs is the five-part tuple the digest is computed over.
type Inputs struct {
	Plugin    string
	HookName  string
	Command   string
	Directory string

	// EffectiveConfig is the merged user/project/local settings object
	// for this hook, already resolved to final precedence order by the
	// caller. It is canonicalized independently of Go map iteration
	// order before hashing.
	EffectiveConfig any

	// IfChanged is the plugin's declared glob list, resolved relative
	// to Directory.
	IfChanged []string

	// EnvWhitelist names the only environment variables that may
	// influence this hook's fingerprint. Lookup resolves each name;
	// an unset variable is hashed under a separate tag from one set to
	// the empty string, so "set to empty" and "unset" produce different
	// digests, each of them stable.
	EnvWhitelist []string
	Lookup       func(name string) (value string, ok bool)
}

// Digest is a full 256-bit fingerprint, rendered as 64 lowercase hex
// characters.
type Digest string

// Compute produces the stable digest for in. It is independent of map
// iteration order, locale, and wall time, and depends only on the
// content addressed by in's fields — two engines fed byte-identical
// inputs on different hosts produce the same Digest.
func Compute(in Inputs) (Digest, error) {
	lookup := in.Lookup
	if lookup == nil {
		lookup = func(name string) (string, bool) { return os.LookupEnv(name) }
	}

	configDigest, err := canonicalDigest(in.EffectiveConfig)
	if err != nil {
		return "", fmt.Errorf("canonicalize effective config: %w", err)
	}

	filesDigest, err := TrackedFileDigest(in.Directory, in.IfChanged)
	if err != nil {
		return "", fmt.Errorf("tracked-file digest: %w", err)
	}

	h := sha256.New()
	writeField(h, "command", normalizeCommand(in.Command))
	writeField(h, "plugin", in.Plugin)
	writeField(h, "hook", in.HookName)
	writeField(h, "config", configDigest)
	writeField(h, "files", filesDigest)
	writeField(h, "env", envSubsetDigest(in.EnvWhitelist, lookup))

	return Digest(hex.EncodeToString(h.Sum(nil))), nil
}

// writeField hashes a length-prefixed, tagged field so that e.g. an
// empty command plus a one-character plugin name can never collide
// with a one-character command plus an empty plugin name.
func writeField(h io.Writer, tag, value string) {
	fmt.Fprintf(h, "%s:%d:%s\n", tag, len(value), value)
}

// normalizeCommand splits cmd on runs of whitespace and rejoins the
// words with single spaces, so leading, trailing and repeated
// whitespace does not change the fingerprint. Shell quoting and
// escaping are not interpreted: whitespace inside quotes is collapsed
// the same way, and two differently escaped spellings of one command
// fingerprint differently.
func normalizeCommand(cmd string) string {
	fields := strings.Fields(cmd)
	return strings.Join(fields, " ")
}

// canonicalDigest hashes v's JSON-canonical form: any two values that
// are functionally identical after JSON canonicalization (key order,
// whitespace, numeric formatting normalized) yield the same digest.
// encoding/json already marshals map keys in sorted order and emits
// compact output, which is sufficient canonicalization for the
// map[string]any / struct shapes effective configs take in practice.
func canonicalDigest(v any) (string, error) {
	if v == nil {
		v = map[string]any{}
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return "", err
	}
	canonical, err := json.Marshal(generic)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// trackedFile is one resolved (relpath, content-hash) pair. hash is
// empty for a glob match that no longer exists on disk, matching the
// spec's "missing files are included as (path, ∅)" rule.
type trackedFile struct {
	relpath string
	hash    string
}

// TrackedFileDigest resolves globs inside directory to a sorted list
// of (relpath, content-hash) pairs and returns their SHA-256 digest.
// Per-file hashing fans out across maxParallelFileHashes workers via
// errgroup, the same bounded-concurrency shape the teacher uses to
// prefetch runtime config and layers concurrently before a cold start.
func TrackedFileDigest(directory string, globs []string) (string, error) {
	paths, err := resolveGlobs(directory, globs)
	if err != nil {
		return "", err
	}

	files := make([]trackedFile, len(paths))
	g := new(errgroup.Group)
	g.SetLimit(maxParallelFileHashes)
	for i, relpath := range paths {
		i, relpath := i, relpath
		g.Go(func() error {
			hash, err := hashFile(filepath.Join(directory, relpath))
			if err != nil {
				return err
			}
			files[i] = trackedFile{relpath: relpath, hash: hash}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", err
	}

	sort.Slice(files, func(i, j int) bool { return files[i].relpath < files[j].relpath })

	h := sha256.New()
	for _, f := range files {
		writeField(h, "file", f.relpath)
		writeField(h, "hash", f.hash)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// resolveGlobs expands globs against directory and returns a
// deduplicated, unsorted list of paths relative to directory. Sorting
// happens after hashing so duplicate work is avoided when two globs
// overlap.
func resolveGlobs(directory string, globs []string) ([]string, error) {
	seen := make(map[string]struct{})
	var out []string
	for _, pattern := range globs {
		matches, err := filepath.Glob(filepath.Join(directory, pattern))
		if err != nil {
			return nil, fmt.Errorf("glob %q: %w", pattern, err)
		}
		if len(matches) == 0 {
			// No match on disk right now; still track the literal
			// pattern as a missing path so a file later appearing at
			// that exact name changes the fingerprint.
			if _, ok := seen[pattern]; !ok {
				seen[pattern] = struct{}{}
				out = append(out, pattern)
			}
			continue
		}
		for _, m := range matches {
			rel, err := filepath.Rel(directory, m)
			if err != nil {
				rel = m
			}
			if _, ok := seen[rel]; ok {
				continue
			}
			seen[rel] = struct{}{}
			out = append(out, rel)
		}
	}
	return out, nil
}

// hashFile returns the full hex-encoded SHA-256 of path's contents, or
// "" if path does not exist.
func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil
		}
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// envSubsetDigest hashes only the whitelisted environment variables,
// in a stable sort order, so it is independent of process environment
// iteration order and of anything outside the whitelist.
func envSubsetDigest(whitelist []string, lookup func(string) (string, bool)) string {
	names := append([]string(nil), whitelist...)
	sort.Strings(names)

	h := sha256.New()
	for _, name := range names {
		value, ok := lookup(name)
		if !ok {
			writeField(h, "unset", name)
			continue
		}
		writeField(h, "env:"+name, value)
	}
	return hex.EncodeToString(h.Sum(nil))
}
