package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/c360/querycache/errors"
)

// Limits applied to anything the loader reads.
const (
	maxConfigSize = 1 << 20
	maxJSONDepth  = 32
	maxEnvVarLen  = 4096
	maxPathLen    = 4096
)

// validateConfigPath accepts JSON or YAML files. Relative paths must stay
// under the working directory.
func validateConfigPath(path string) error {
	switch {
	case path == "":
		return fmt.Errorf("%w: empty config path", errors.ErrInvalidConfig)
	case len(path) > maxPathLen:
		return fmt.Errorf("%w: config path longer than %d bytes", errors.ErrInvalidConfig, maxPathLen)
	case !filepath.IsAbs(path) && !filepath.IsLocal(path):
		return fmt.Errorf("%w: %s escapes the working directory", errors.ErrInvalidConfig, path)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".yaml", ".yml":
		return nil
	default:
		return fmt.Errorf("%w: %s is not a JSON or YAML file", errors.ErrInvalidConfig, path)
	}
}

// safeReadFile reads a regular config file no larger than maxConfigSize.
func safeReadFile(path string) ([]byte, error) {
	if err := validateConfigPath(path); err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%w: %s is not a regular file", errors.ErrInvalidConfig, path)
	}
	if info.Size() > maxConfigSize {
		return nil, fmt.Errorf("%w: %s is %d bytes, limit %d", errors.ErrInvalidConfig, path, info.Size(), maxConfigSize)
	}

	// The size can change between Stat and Read.
	return io.ReadAll(io.LimitReader(f, maxConfigSize+1))
}

// safeWriteFile writes data readable by the owner only.
func safeWriteFile(path string, data []byte) error {
	if err := validateConfigPath(path); err != nil {
		return err
	}
	if len(data) > maxConfigSize {
		return fmt.Errorf("%w: %d bytes exceeds limit %d", errors.ErrInvalidConfig, len(data), maxConfigSize)
	}
	return os.WriteFile(path, data, 0o600)
}

func validateEnvVar(key, value string) error {
	if len(value) > maxEnvVarLen {
		return fmt.Errorf("%w: %s is longer than %d bytes", errors.ErrInvalidConfig, key, maxEnvVarLen)
	}
	if strings.IndexByte(value, 0) >= 0 {
		return fmt.Errorf("%w: %s contains a NUL byte", errors.ErrInvalidConfig, key)
	}
	return nil
}

// validateJSONDepth rejects documents nested deeper than maxJSONDepth.
// Malformed input is reported as ErrParsingFailed.
func validateJSONDepth(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	depth := 0
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			if depth != 0 {
				return fmt.Errorf("%w: unbalanced JSON brackets", errors.ErrParsingFailed)
			}
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: %v", errors.ErrParsingFailed, err)
		}
		switch tok {
		case json.Delim('{'), json.Delim('['):
			depth++
			if depth > maxJSONDepth {
				return fmt.Errorf("%w: JSON nested deeper than %d", errors.ErrInvalidConfig, maxJSONDepth)
			}
		case json.Delim('}'), json.Delim(']'):
			depth--
		}
	}
}
