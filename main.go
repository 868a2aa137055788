package main

import "github.com/drsoft-oss/multisocks/cmd"

func main() {
	cmd.Execute()
}
