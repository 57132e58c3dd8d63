package main

import "github.com/ramiqadoumi/go-agent-flow/services/orchestrator/cli"

func main() { cli.Execute() }
