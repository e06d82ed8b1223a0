// Copyright 2025 The Terratile Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package pgclient

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"
)

// ParseConnInfo parses a libpq-style connection string, a whitespace
// separated sequence of key=value parameters. Values may be single-quoted;
// inside quotes, backslash escapes the next character. Later occurrences of
// a key override earlier ones, so an appended "password=..." token wins.
//
// Recognized keys are mapped onto Config fields; everything else is passed
// through verbatim as a startup parameter.
func ParseConnInfo(conninfo string) (*Config, error) {
	config := &Config{
		Host:       "localhost",
		Port:       5432,
		Parameters: make(map[string]string),
	}

	s := conninfo
	for {
		s = strings.TrimLeftFunc(s, unicode.IsSpace)
		if s == "" {
			break
		}

		eq := strings.IndexByte(s, '=')
		if eq < 0 {
			return nil, fmt.Errorf("missing \"=\" after %q in connection string", s)
		}
		key := strings.TrimRightFunc(s[:eq], unicode.IsSpace)
		if key == "" {
			return nil, fmt.Errorf("missing key before \"=\" in connection string")
		}
		s = strings.TrimLeftFunc(s[eq+1:], unicode.IsSpace)

		var value string
		var err error
		if strings.HasPrefix(s, "'") {
			value, s, err = scanQuotedValue(s[1:])
			if err != nil {
				return nil, err
			}
		} else {
			end := strings.IndexFunc(s, unicode.IsSpace)
			if end < 0 {
				end = len(s)
			}
			value = s[:end]
			s = s[end:]
		}

		if err := applyConnInfoKey(config, key, value); err != nil {
			return nil, err
		}
	}

	return config, nil
}

// scanQuotedValue consumes a single-quoted value (the opening quote already
// stripped) and returns the value plus the remainder of the input.
func scanQuotedValue(s string) (string, string, error) {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\\':
			i++
			if i >= len(s) {
				return "", "", fmt.Errorf("unterminated escape in connection string")
			}
			b.WriteByte(s[i])
		case '\'':
			return b.String(), s[i+1:], nil
		default:
			b.WriteByte(s[i])
		}
	}
	return "", "", fmt.Errorf("unterminated quoted value in connection string")
}

func applyConnInfoKey(config *Config, key, value string) error {
	switch key {
	case "host", "hostaddr":
		config.Host = value
	case "port":
		port, err := strconv.Atoi(value)
		if err != nil || port <= 0 || port > 65535 {
			return fmt.Errorf("invalid port %q in connection string", value)
		}
		config.Port = port
	case "dbname", "database":
		config.Database = value
	case "user":
		config.User = value
	case "password":
		config.Password = value
	case "connect_timeout":
		secs, err := strconv.Atoi(value)
		if err != nil || secs < 0 {
			return fmt.Errorf("invalid connect_timeout %q in connection string", value)
		}
		config.DialTimeout = time.Duration(secs) * time.Second
	default:
		config.Parameters[key] = value
	}
	return nil
}
