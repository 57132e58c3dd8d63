package main

import "github.com/ramiqadoumi/go-agent-flow/services/sweeper/cli"

func main() { cli.Execute() }
