package main

import "github.com/alecthomas/kong"

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("nautilus"),
		kong.Description("Upload, print and simulate jobs on Duet controllers, and keep their configuration current."),
		kong.UsageOnError(),
	)
	ctx.FatalIfErrorf(ctx.Run(&cli))
}
