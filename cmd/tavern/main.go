package main

import (
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/Senpai-Sama7/tavern/internal/app"
)

func main() {
	runner := app.NewRunner()

	if err := runner.Run(os.Args[1:]); err != nil {
		log.Printf("[ERROR] %v", err)
		if errors.Is(err, app.ErrUsage) || errors.Is(err, app.ErrFileNotFound) {
			fmt.Fprintln(os.Stderr, "")
			runner.Usage(os.Stderr)
		}
		os.Exit(1)
	}
}
