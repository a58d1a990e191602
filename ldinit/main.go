package main

import (
	"fmt"
	"github.com/ZenLiuCN/fn"
	. "github.com/ZenLiuCN/rtld"
	"github.com/ZenLiuCN/rtld/fetch"
	"github.com/ZenLiuCN/rtld/pool"
	"github.com/urfave/cli/v2"
	"log"
	"os"
)

func main() {
	app := cli.NewApp()
	app.Usage = "user space runtime linker"
	app.Name = "ldinit"
	app.Description = "loads executables and their shared objects into a simulated address space"
	app.Flags = []cli.Flag{
		&cli.BoolFlag{Name: "debug", Aliases: []string{"d"}},
		&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "HCL config file"},
	}
	app.Commands = []*cli.Command{
		{Name: "load",
			Action: load,
			Usage:  "load executables and print link and init order",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "sysroot", Aliases: []string{"r"}, Value: "/", Usage: "host directory library paths resolve in"},
				&cli.StringFlag{Name: "remote", Usage: "socket.io URL of a file service, replaces sysroot"},
				&cli.StringFlag{Name: "namespace", Value: "/", Usage: "socket.io namespace of the file service"},
				&cli.BoolFlag{Name: "insecure", Usage: "skip TLS verification of the file service"},
				&cli.BoolFlag{Name: "lazy", Usage: "bind PLT entries lazily"},
				&cli.BoolFlag{Name: "dump", Usage: "dump loaded objects"},
				&cli.StringSliceFlag{Name: "lookup", Aliases: []string{"l"}, Usage: "symbols to resolve after loading"},
			},
			Args: true,
		},
		{Name: "needed",
			Action: needed,
			Usage:  "display DT_NEEDED of ELF files",
			Args:   true,
		},
		{Name: "symbols",
			Action: symbols,
			Usage:  "display dynamic symbols of ELF files",
			Args:   true,
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatalf("failure %s", err)
	}
}

func config(ctx *cli.Context) (cfg Config, err error) {
	cfg = DefaultConfig()
	if p := ctx.String("config"); p != "" {
		if cfg, err = LoadConfig(p); err != nil {
			return
		}
	}
	if ctx.Bool("debug") {
		cfg.Verbose = true
		cfg.Log.Level = "debug"
	}
	if ctx.Bool("lazy") {
		cfg.Binding = BindLazy
	}
	return
}

func load(ctx *cli.Context) (err error) {
	files := ctx.Args().Slice()
	if len(files) == 0 {
		return fmt.Errorf("missing executables to load")
	}
	cfg, err := config(ctx)
	if err != nil {
		return
	}
	logger := NewLogger(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	var transport fetch.Transport = fetch.Dir(ctx.String("sysroot"))
	if u := ctx.String("remote"); u != "" {
		var s *fetch.Socket
		if s, err = fetch.DialSocket(ctx.Context, u, ctx.String("namespace"), ctx.Bool("insecure"), logger); err != nil {
			return
		}
		defer fn.IgnoreClose(s)
		transport = s
	}
	p := pool.NewPool()
	for _, file := range files {
		space := NewAddressSpace()
		var s *Session
		if s, err = NewSession(cfg, space, transport, logger.With("process", file)); err != nil {
			return
		}
		var exe *SharedObject
		if exe, err = s.Spawn(file); err != nil {
			return
		}
		if err = s.Load(exe); err != nil {
			return
		}
		if err = p.Add(file, s); err != nil {
			return
		}
		log.Printf("%s entry %#x tp %#x\n%s", file, exe.Entry, space.ThreadPointer(), s.Loader().Summary())
		if ctx.Bool("debug") {
			for _, r := range space.Regions() {
				log.Printf("%#016x-%#016x %s", r.Start, r.End, r.Perm)
			}
		}
		if ctx.Bool("dump") {
			s.Dump(os.Stdout)
		}
	}
	for _, process := range p.Processes() {
		for _, sym := range ctx.StringSlice("lookup") {
			addr, err := p.Require(process, sym)
			if err != nil {
				logger.Warn("lookup failed", "process", process, "symbol", sym, "error", err)
				continue
			}
			log.Printf("%s %s %#x", process, sym, addr)
		}
	}
	return
}

func needed(ctx *cli.Context) (err error) {
	for _, s := range ctx.Args().Slice() {
		var v []string
		if v, err = Needed(s); err != nil {
			return
		}
		log.Printf("%s: %v", s, v)
	}
	return
}

func symbols(ctx *cli.Context) (err error) {
	for _, s := range ctx.Args().Slice() {
		var v Infos
		if v, err = Inspect(s); err != nil {
			return
		}
		log.Printf("%s\n%s", s, v.String())
	}
	return
}
