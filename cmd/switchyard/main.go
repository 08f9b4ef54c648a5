// Switchyard is a self-hosted relay that puts one Anthropic-compatible
// endpoint in front of a fleet of LLM providers, with weighted failover,
// per-user metering and prepaid billing.
package main

import (
	"flag"
	"fmt"
	"os"
	"runtime/debug"
)

// version is stamped at release time via -ldflags.
var version = "dev"

func main() {
	configPath := flag.String("config", "configs/switchyard.yaml", "path to config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("switchyard", versionString())
		return
	}

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// versionString falls back to module build info for go-install builds,
// which never pass -ldflags.
func versionString() string {
	if version != "dev" {
		return version
	}
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	return version
}
