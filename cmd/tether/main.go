// Command tether synchronizes folders and mail between two backends.
package main

import (
	"fmt"
	"os"

	"github.com/tethermail/tether/internal/cmd"
)

func main() {
	if err := cmd.Run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
