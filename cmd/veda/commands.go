package main

import (
	"fmt"
	"io"
	"os"

	"veda/internal/version"
)

type command interface {
	Run(args []string) int
}

type commandDeps struct {
	Stdout          io.Writer
	Stderr          io.Writer
	RunOrchestrator func(args []string) int
	RunHub          func(args []string) int
}

func defaultCommandDeps() commandDeps {
	return commandDeps{
		Stdout:          os.Stdout,
		Stderr:          os.Stderr,
		RunOrchestrator: runOrchestrator,
		RunHub:          runHub,
	}
}

type orchestratorCommand struct {
	deps commandDeps
}

func (c orchestratorCommand) Run(args []string) int {
	return c.deps.RunOrchestrator(args)
}

type hubCommand struct {
	deps commandDeps
}

func (c hubCommand) Run(args []string) int {
	return c.deps.RunHub(args)
}

type versionCommand struct {
	deps commandDeps
}

func (c versionCommand) Run(args []string) int {
	printVersion(c.deps.Stdout)
	return 0
}

func resolveCommand(args []string, deps commandDeps) (command, []string) {
	if len(args) > 0 {
		switch args[0] {
		case "hub":
			return hubCommand{deps: deps}, args[1:]
		case "run":
			return orchestratorCommand{deps: deps}, args[1:]
		case "version":
			return versionCommand{deps: deps}, args[1:]
		}
	}
	return orchestratorCommand{deps: deps}, args
}

func printVersion(out io.Writer) {
	fmt.Fprintln(out, version.Get())
}
