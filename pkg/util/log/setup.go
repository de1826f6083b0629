// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package log

import (
	"fmt"
	"strings"

	"github.com/cihub/seelog"
)

const logFileMaxSize = 10 * 1024 * 1024         // 10MB
const logDateFormat = "2006-01-02 15:04:05 MST" // see time.Format for format syntax

// BuildLogger creates a seelog logger writing to the console and, when
// logFile is not empty, to a size-rolled file.
func BuildLogger(logLevel, logFile string) (seelog.LoggerInterface, error) {
	configTemplate := `<seelog minlevel="%s">
    <outputs formatid="common">
        <console />`
	if logFile != "" {
		configTemplate += fmt.Sprintf(`<rollingfile type="size" filename="%s" maxsize="%d" maxrolls="1" />`, logFile, logFileMaxSize)
	}
	configTemplate += `</outputs>
    <formats>
        <format id="common" format="%%Date(%s) | %%LEVEL | (%%RelFile:%%Line) | %%Msg%%n"/>
    </formats>
</seelog>`
	config := fmt.Sprintf(configTemplate, strings.ToLower(logLevel), logDateFormat)

	return seelog.LoggerFromConfigAsString(config)
}

// SetupFromConfig builds a logger from level and optional file path and
// installs it process-wide.
func SetupFromConfig(logLevel, logFile string) error {
	l, err := BuildLogger(logLevel, logFile)
	if err != nil {
		return err
	}
	SetupLogger(l, logLevel)
	return nil
}
