package server

import (
	"io"
	"log"
	"os"
	"strings"

	jww "github.com/spf13/jwalterweatherman"
)

// Package loggers. Tests replace them with io.Discard loggers.
var (
	errorLog = log.New(os.Stderr, "ERROR: ", log.LstdFlags)
	infoLog  = log.New(os.Stdout, "INFO: ", log.LstdFlags)
	debugLog = log.New(io.Discard, "DEBUG: ", log.LstdFlags)
)

var logLevels = map[string]jww.Threshold{
	"trace": jww.LevelTrace,
	"debug": jww.LevelDebug,
	"info":  jww.LevelInfo,
	"warn":  jww.LevelWarn,
	"error": jww.LevelError,
}

// ParseLogLevel maps a config level name to a threshold, defaulting to info
func ParseLogLevel(level string) jww.Threshold {
	if t, ok := logLevels[strings.ToLower(strings.TrimSpace(level))]; ok {
		return t
	}
	return jww.LevelInfo
}

// ConfigureLogging builds a notepad at the given threshold and points the package loggers at it.
// Loggers below the threshold discard their output. ERROR goes to errOut, everything else to out.
func ConfigureLogging(threshold jww.Threshold, out, errOut io.Writer) *jww.Notepad {
	notepad := jww.NewNotepad(threshold, jww.LevelTrace, out, io.Discard, "", log.LstdFlags)
	if threshold <= jww.LevelError {
		notepad.ERROR.SetOutput(errOut)
	}
	errorLog = notepad.ERROR
	infoLog = notepad.INFO
	debugLog = notepad.DEBUG
	return notepad
}
