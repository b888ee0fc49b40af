package main

// this is set by goreleaser
var version string

func main() {
	if version == "" {
		version = "DEV"
	}
	Execute()
}
