package main

import (
	"os"

	"github.com/scalarorg/svm-aptos-relayer/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
