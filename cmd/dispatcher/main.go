package main

import "github.com/ramiqadoumi/go-agent-flow/services/dispatcher/cli"

func main() { cli.Execute() }
