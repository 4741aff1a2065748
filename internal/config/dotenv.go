package config

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
)

// LoadDotEnv reads a .env-style file and sets variables into the process env.
// Lines starting with '#' are comments. Supported formats:
//
//	KEY=VALUE
//	KEY="VALUE WITH SPACES"
//	export KEY=VALUE
//
// Whitespace around key and value is trimmed and an unquoted value ends at
// " #". Existing env vars are preserved unless override is true. It returns
// the keys it set.
func LoadDotEnv(path string, override bool) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var set []string
	s := bufio.NewScanner(f)
	for s.Scan() {
		key, val, ok := parseDotEnvLine(s.Text())
		if !ok {
			continue
		}
		if !override {
			if _, exists := os.LookupEnv(key); exists {
				continue
			}
		}
		if err := os.Setenv(key, val); err == nil {
			set = append(set, key)
		}
	}
	return set, s.Err()
}

func parseDotEnvLine(line string) (string, string, bool) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return "", "", false
	}
	line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
	i := strings.IndexByte(line, '=')
	if i <= 0 {
		return "", "", false
	}
	key := strings.TrimSpace(line[:i])
	val := strings.TrimSpace(line[i+1:])
	if len(val) >= 2 && (val[0] == '"' || val[0] == '\'') && val[len(val)-1] == val[0] {
		return key, val[1 : len(val)-1], true
	}
	if j := strings.Index(val, " #"); j >= 0 {
		val = strings.TrimSpace(val[:j])
	}
	return key, val, true
}

// LoadDotEnvDefault loads .env from the current directory, the directory of
// the running binary and any extra directories, in that order. Missing files
// are ignored and existing env vars are not overridden.
func LoadDotEnvDefault(extraDirs ...string) {
	var dirs []string
	if cwd, err := os.Getwd(); err == nil {
		dirs = append(dirs, cwd)
	}
	if exe, err := os.Executable(); err == nil {
		dirs = append(dirs, filepath.Dir(exe))
	}
	dirs = append(dirs, extraDirs...)
	seen := map[string]bool{}
	for _, d := range dirs {
		p := filepath.Join(d, ".env")
		if seen[p] {
			continue
		}
		seen[p] = true
		if st, err := os.Stat(p); err != nil || st.IsDir() {
			continue
		}
		keys, err := LoadDotEnv(p, false)
		if err != nil {
			log.Warn().Err(err).Str("path", p).Msg("reading .env")
			continue
		}
		log.Debug().Str("path", p).Strs("keys", keys).Msg("loaded .env")
	}
}
