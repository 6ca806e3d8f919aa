package main

import (
	"os"

	"github.com/capsoftware/cap/packages/cli/cmd"

	// Encoder backends.
	_ "github.com/capsoftware/cap/packages/cli/internal/media/encoder/libav"
	_ "github.com/capsoftware/cap/packages/cli/internal/media/encoder/mock"
	_ "github.com/capsoftware/cap/packages/cli/internal/media/encoder/opus"

	// Capture backends.
	_ "github.com/capsoftware/cap/packages/cli/internal/media/source/camera"
	_ "github.com/capsoftware/cap/packages/cli/internal/media/source/mic"
	_ "github.com/capsoftware/cap/packages/cli/internal/media/source/screen"
	_ "github.com/capsoftware/cap/packages/cli/internal/media/source/synthetic"
)

func main() {
	os.Exit(cmd.Execute())
}
