// Command agentflow runs the gateway and the whole engine in one process.
package main

import "github.com/ramiqadoumi/go-agent-flow/services/standalone/cli"

func main() { cli.Execute() }
