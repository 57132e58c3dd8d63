// Command agentctl submits and inspects AgentFlow tasks from the terminal.
package main

import "os"

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
