package main

import (
	"github.com/oneconcern/blobfs/cmd/blobfs/cmd"
)

func main() {
	cmd.Execute()
}
