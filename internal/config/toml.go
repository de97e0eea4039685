package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
)

// configDir is the directory name used under $HOME and /etc for the default
// config file search path.
const configDir = "replicatord"

// LoadFile reads a TOML config file and flattens it into the dotted
// key/value form Load expects (a [endpoint] table with an id key becomes
// "endpoint.id"). An empty path searches $HOME/.replicatord/config.toml,
// then /etc/replicatord/config.toml; if neither exists an empty map is
// returned and Load's defaults apply. An explicit path that cannot be read
// is an error.
func LoadFile(path string) (map[string]string, error) {
	if path == "" {
		path = findFile()
	}
	kv := make(map[string]string)
	if path == "" {
		return kv, nil
	}

	var raw map[string]any
	if _, err := toml.DecodeFile(path, &raw); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	flatten("", raw, kv)
	return kv, nil
}

func findFile() string {
	var candidates []string
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, "."+configDir, "config.toml"))
	}
	candidates = append(candidates, filepath.Join("/etc", configDir, "config.toml"))

	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

func flatten(prefix string, table map[string]any, out map[string]string) {
	for k, v := range table {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		switch val := v.(type) {
		case map[string]any:
			flatten(key, val, out)
		case []any:
			parts := make([]string, 0, len(val))
			for _, item := range val {
				parts = append(parts, fmt.Sprint(item))
			}
			out[key] = strings.Join(parts, ",")
		default:
			out[key] = fmt.Sprint(val)
		}
	}
}

// envPrefix is the prefix every environment-variable override carries.
const envPrefix = "REPLICATORD_"

// ApplyEnv overlays environment variable overrides onto kv for every key in
// recognizedKeys: "endpoint.id" is read from REPLICATORD_ENDPOINT_ID. Values
// already present in kv are overridden; this runs after LoadFile so the
// environment wins over the config file, matching the 12-factor precedence
// the rest of the stack follows.
func ApplyEnv(kv map[string]string) {
	for _, key := range recognizedKeys {
		envKey := envPrefix + strings.ToUpper(strings.NewReplacer(".", "_", "-", "_").Replace(key))
		if v, ok := os.LookupEnv(envKey); ok {
			kv[key] = v
		}
	}
}

// recognizedKeys lists every key Load understands, kept in sync with the
// parsing switch there. Used by ApplyEnv.
var recognizedKeys = func() []string {
	keys := []string{
		"endpoint.id",
		"endpoint.connections",
		"endpoint.application.name",
		"endpoint.application.version",
		"log.write-batch-size",
		"log.write-timeout",
		"log.read-timeout",
		"log.replication.remote-read-timeout",
		"log.replication.remote-scan-limit",
		"log.replication.retry-delay",
		"log.replication.failure-detection-limit",
		"log.replication.kafka-brokers",
		"log.replication.kafka-topic",
		"log.replication.kafka-group-id",
		"postgres.uri",
		"log.format",
		"log.level",
	}
	sort.Strings(keys)
	return keys
}()
