package main

import (
	"io"
	"log"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/banshee-data/ultralight/internal/config"
	"github.com/banshee-data/ultralight/internal/monitoring"
)

type logOptions struct {
	Dir          string
	InfoFile     bool
	DebugFile    bool
	DebugConsole bool
	// Console defaults to os.Stderr.
	Console io.Writer
}

func defaultLogDir(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if os.Geteuid() == 0 {
		return "/var/log/ultralight"
	}
	return "."
}

// setupLogging sends info output to the console and ultralight.log, and
// debug output to the console and/or ultralight_debug.log. The debug file
// also receives info lines.
func setupLogging(o logOptions) (func(), error) {
	console := o.Console
	if console == nil {
		console = os.Stderr
	}
	var files []*os.File
	closeAll := func() {
		for _, f := range files {
			f.Close()
		}
	}
	open := func(name string) (*os.File, error) {
		if err := os.MkdirAll(o.Dir, 0o755); err != nil {
			return nil, err
		}
		f, err := os.OpenFile(filepath.Join(o.Dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, err
		}
		files = append(files, f)
		return f, nil
	}

	info := []io.Writer{console}
	var dbg []io.Writer
	if o.DebugConsole {
		dbg = append(dbg, console)
	}
	if o.InfoFile {
		f, err := open("ultralight.log")
		if err != nil {
			closeAll()
			return nil, err
		}
		info = append(info, f)
	}
	if o.DebugFile {
		f, err := open("ultralight_debug.log")
		if err != nil {
			closeAll()
			return nil, err
		}
		info = append(info, f)
		dbg = append(dbg, f)
	}

	log.SetOutput(io.MultiWriter(info...))
	monitoring.SetLogger(log.Printf)
	if len(dbg) > 0 {
		monitoring.SetDebugLogger(log.New(io.MultiWriter(dbg...), "[debug] ", log.LstdFlags).Printf)
		monitoring.SetDebug(true)
	}
	return closeAll, nil
}

func mqttClientID(tc *config.TelemetryConfig) string {
	if tc.MQTTClientID != "" {
		return tc.MQTTClientID
	}
	return "ultralight-" + uuid.NewString()[:8]
}

