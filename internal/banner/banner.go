package banner

import (
	"fmt"
	"io"
	"os"
	"strings"
)

const logo = `
======================================================================
  ___  ___   _   ___    ___                  _
 | _ \/ __| /_\ | _ \  / __|___ _ _  ___ ___| |___
 |  _/\__ \/ _ \|  _/ | (__/ _ \ ' \(_-</ _ \ / -_)
 |_|  |___/_/ \_\_|    \___\___/_||_/__/\___/_\___|
----------------------------------------------------------------------`

const footer = `======================================================================`

// ConfigLine represents a single configuration line to display
type ConfigLine struct {
	Label string
	Value string
}

// Print displays the startup banner on stdout
func Print(serviceName string, config []ConfigLine) {
	Write(os.Stdout, serviceName, config)
}

// Write renders the startup banner with the service name and configuration
func Write(w io.Writer, serviceName string, config []ConfigLine) {
	fmt.Fprintln(w, logo)
	fmt.Fprintf(w, "%s\n", serviceName)

	// Find max label length for alignment
	maxLen := 0
	for _, c := range config {
		if len(c.Label) > maxLen {
			maxLen = len(c.Label)
		}
	}

	for _, c := range config {
		padding := strings.Repeat(" ", maxLen-len(c.Label))
		fmt.Fprintf(w, "  %s%s : %s\n", c.Label, padding, c.Value)
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Ready.")
	fmt.Fprintln(w, footer)
	fmt.Fprintln(w)
}
