//go:build tools
// +build tools

// Package tools pins the versions of the command line tools used to lint, document
// and report on this module. It is never built.
package tools

import (
	_ "github.com/ains/go-test-html"
	_ "github.com/illuscio-dev/docmodule-go"
	_ "github.com/jstemmer/go-junit-report"
	_ "github.com/mgechev/revive"
	_ "golang.org/x/tools/cmd/godoc"
)
