package main

import "github.com/ramiqadoumi/go-agent-flow/services/api-gateway/cli"

func main() { cli.Execute() }
