package main

import "testdrive/cmd"

func main() {
	cmd.Execute()
}
