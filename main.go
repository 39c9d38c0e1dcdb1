package main

import "github.com/aidyou/ccproxy/cmd"

func main() {
	cmd.Execute()
}
