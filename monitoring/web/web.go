// Package web holds the dashboard page of the monitoring server.
package web

import (
	"embed"
	"io/fs"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
)

//go:embed dist
var dist embed.FS

// DevModeEnv names the environment variable that, set to a true value, makes
// the server read the dashboard from the source tree instead of the embedded
// copy.
const DevModeEnv = "FTL_MONITOR_DEV"

// GetAssets returns the dashboard files.
func GetAssets() http.FileSystem {
	if dir, ok := sourceDir(); ok && devMode() {
		log.Printf("monitor: serving the dashboard from %s", dir)
		return http.Dir(dir)
	}

	sub, err := fs.Sub(dist, "dist")
	if err != nil {
		panic(err)
	}

	return http.FS(sub)
}

func sourceDir() (string, bool) {
	_, file, _, ok := runtime.Caller(0)
	if !ok {
		return "", false
	}

	return filepath.Join(filepath.Dir(file), "dist"), true
}

func devMode() bool {
	on, err := strconv.ParseBool(os.Getenv(DevModeEnv))
	return err == nil && on
}
