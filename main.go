package main

import "github.com/reconflow/reconflow/cmd"

func main() {
	cmd.Execute()
}
