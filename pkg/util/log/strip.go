// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package log

import (
	"regexp"
	"strings"
)

// Replacer masks one shape of credential in a log line.
type Replacer struct {
	Regex *regexp.Regexp
	Hints []string // if none of these appear in the line, the regex cannot match either
	Repl  []byte
}

var replacers []Replacer

func init() {
	apiKeyReplacer := Replacer{
		Regex: regexp.MustCompile(`(api_?key=)\S+`),
		Hints: []string{"api_key", "apikey"},
		Repl:  []byte(`$1********`),
	}
	bearerReplacer := Replacer{
		Regex: regexp.MustCompile(`(Bearer )\S+`),
		Hints: []string{"Bearer"},
		Repl:  []byte(`$1********`),
	}
	// URI Generic Syntax, https://tools.ietf.org/html/rfc3986
	uriPasswordReplacer := Replacer{
		Regex: regexp.MustCompile(`([A-Za-z][A-Za-z0-9+-.]+\:\/\/|\b)([^\:\s]+)\:([^\s]+)\@`),
		Hints: []string{"@"},
		Repl:  []byte(`$1$2:********@`),
	}
	passwordReplacer := Replacer{
		Regex: regexp.MustCompile(`((?:password|passwd|pwd)=)\S+`),
		Hints: []string{"password", "passwd", "pwd"},
		Repl:  []byte(`$1********`),
	}
	replacers = []Replacer{apiKeyReplacer, bearerReplacer, uriPasswordReplacer, passwordReplacer}
}

// ScrubBytes masks credentials in a slice of bytes.
func ScrubBytes(data []byte) ([]byte, error) {
	return scrubCredentials(data, replacers), nil
}

// ScrubLine masks credentials in a message and returns a string that can be
// logged safely.
func ScrubLine(message string) string {
	return string(scrubCredentials([]byte(message), replacers))
}

func scrubCredentials(data []byte, replacers []Replacer) []byte {
	for _, repl := range replacers {
		containsHint := false
		for _, hint := range repl.Hints {
			if strings.Contains(string(data), hint) {
				containsHint = true
				break
			}
		}
		if len(repl.Hints) == 0 || containsHint {
			data = repl.Regex.ReplaceAll(data, repl.Repl)
		}
	}
	return data
}
