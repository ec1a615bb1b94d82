package main

import (
	"github.com/dispatchworks/printload/cmd/printload/cmd"
	"github.com/dispatchworks/printload/internal/common"
)

func main() {
	common.ConfigureLogging()
	cmd.Execute()
}
