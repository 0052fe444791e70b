// Package main provides the CLI entry point for the repo-agent daemon and
// its managed terminal client.
//
// The default command spawns the daemon as a child process, waits for it
// to become healthy, and attaches an interactive chat client to it. The
// daemon can also be run directly:
//
//	repoagent serve --host 127.0.0.1 --port 8765
//
// Configuration comes from the environment or a .env file; see
// internal/config for the recognized variables.
package main

import (
	"fmt"
	"os"
)

func main() {
	root := buildRootCmd()
	root.AddCommand(buildServeCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "启动失败：%v\n", err)
		os.Exit(1)
	}
}
