package main

import "github.com/MeKo-Tech/recrop/cmd/recrop/cmd"

func main() {
	cmd.Execute()
}
