// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package version defines the version of the reqprof binaries.
package version

import "fmt"

// Version contains the version of the binary. It is populated at build time
// using build flags.
var Version string

// Commit is populated with the short commit hash the binary was built from.
var Commit string

// BuildDate is populated with the build timestamp.
var BuildDate string

var versionDefault = "0.9.0"

func init() {
	if Version == "" {
		Version = versionDefault
	}
}

// String returns a human readable version line.
func String() string {
	s := Version
	if Commit != "" {
		s = fmt.Sprintf("%s (commit %s)", s, Commit)
	}
	if BuildDate != "" {
		s = fmt.Sprintf("%s built %s", s, BuildDate)
	}
	return s
}
