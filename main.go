package main

import "github.com/lunamoth/lunamoth/cmd"

func main() {
	cmd.Execute()
}
