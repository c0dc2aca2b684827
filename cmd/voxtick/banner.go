package main

import (
	"fmt"
	"io"
	"strings"
)

func printBanner(w io.Writer, name string) {
	fmt.Fprintln(w)
	fmt.Fprintln(w, "\033[36;1m  ┌───────────────────────────────────────────┐\033[0m")
	fmt.Fprintln(w, "\033[36;1m  │\033[0m              voxtick  v0.1.0              \033[36;1m│\033[0m")
	fmt.Fprintln(w, "\033[36;1m  └───────────────────────────────────────────┘\033[0m")
	fmt.Fprintln(w)
	fmt.Fprintf(w, "  \033[1mserver:\033[0m %s\n\n", name)
}

func printSection(w io.Writer, title string) {
	lineLen := 46 - len(title) - 1
	if lineLen < 3 {
		lineLen = 3
	}
	fmt.Fprintf(w, "  \033[33m── %s %s\033[0m\n", title, strings.Repeat("─", lineLen))
}

func printStat(w io.Writer, label string, value any) {
	val := fmt.Sprint(value)
	dotsLen := 42 - len(label) - len(val)
	if dotsLen < 3 {
		dotsLen = 3
	}
	fmt.Fprintf(w, "  %s \033[90m%s\033[0m \033[32m%s\033[0m\n", label, strings.Repeat("·", dotsLen), val)
}

func printOK(w io.Writer, msg string) {
	fmt.Fprintf(w, "  \033[32m✓\033[0m %s\n", msg)
}

func printReady(w io.Writer, msg string) {
	fmt.Fprintf(w, "  \033[32m▶\033[0m %s\n", msg)
}
